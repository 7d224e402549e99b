package sshutil_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/anweddol/anwdlserver/internal/sshutil"
	"github.com/anweddol/anwdlserver/internal/sshutil/sshtest"
)

func TestDialPassword(t *testing.T) {
	srv, err := sshtest.NewServer("endpoint", "secret", func(cmd string) sshtest.Result {
		return sshtest.Result{Stdout: "hello\n"}
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer srv.Close()

	addr := net.JoinHostPort(srv.Host(), strconv.Itoa(srv.Port()))

	client, err := sshutil.DialPassword(context.Background(), addr, "endpoint", "secret", 5*time.Second)
	if err != nil {
		t.Fatalf("DialPassword failed: %v", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer session.Close()

	out, err := session.Output("echo hello")
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if string(out) != "hello\n" {
		t.Errorf("expected 'hello\\n', got %q", out)
	}
	if cmds := srv.Commands(); len(cmds) != 1 || cmds[0] != "echo hello" {
		t.Errorf("unexpected commands: %v", cmds)
	}
}

func TestDialPasswordWrongPassword(t *testing.T) {
	srv, err := sshtest.NewServer("endpoint", "secret", nil)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	defer srv.Close()

	addr := net.JoinHostPort(srv.Host(), strconv.Itoa(srv.Port()))
	if _, err := sshutil.DialPassword(context.Background(), addr, "endpoint", "wrong", 5*time.Second); err == nil {
		t.Fatal("expected authentication failure")
	}
	if srv.Logins() != 0 {
		t.Errorf("expected no successful login, got %d", srv.Logins())
	}
}

func TestDialPasswordRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, err := sshutil.DialPassword(context.Background(), addr, "endpoint", "secret", time.Second); err == nil {
		t.Fatal("expected connection error")
	}
}
