package main

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestKeytool(now time.Time) (keytool, *bytes.Buffer) {
	var out bytes.Buffer
	return keytool{out: &out, now: func() time.Time { return now }}, &out
}

// TestKeytoolEndToEnd generates a CA and a server key, signs the server key
// and verifies the result now and after it expires.
func TestKeytoolEndToEnd(t *testing.T) {
	dir := t.TempDir()
	caPub := filepath.Join(dir, "ca-public.key")
	caSec := filepath.Join(dir, "ca-secret.key")
	srvPub := filepath.Join(dir, "server-public.key")
	srvSec := filepath.Join(dir, "server-secret.key")
	now := time.Unix(1_700_000_000, 0)
	kt, out := newTestKeytool(now)

	if err := kt.genCAKey([]string{"-public-key-file", caPub, "-secret-key-file", caSec}); err != nil {
		t.Fatalf("gen-ca-key: %v", err)
	}
	if err := kt.genNoiseKey([]string{"-public-key-file", srvPub, "-secret-key-file", srvSec}); err != nil {
		t.Fatalf("gen-noise-key: %v", err)
	}
	if err := kt.signKey([]string{"-public-key-to-sign", srvPub, "-signing-key", caSec}); err != nil {
		t.Fatalf("sign-key: %v", err)
	}
	certPath := filepath.Join(dir, "server-public.cert")

	out.Reset()
	if err := kt.verifyCert([]string{"-certificate", certPath, "-authority-key", caPub}); err != nil {
		t.Fatalf("verify-cert: %v\n%s", err, out)
	}
	if !strings.Contains(out.String(), "result:      OK") {
		t.Fatalf("verify output missing OK:\n%s", out)
	}

	later, laterOut := newTestKeytool(now.Add(91 * 24 * time.Hour))
	err := later.verifyCert([]string{"-certificate", certPath, "-authority-key", caPub})
	if !errors.Is(err, errCertExpired) {
		t.Fatalf("verify after 91 days err=%v want %v", err, errCertExpired)
	}
	if !strings.Contains(laterOut.String(), "INVALID") {
		t.Fatalf("verify output missing INVALID:\n%s", laterOut)
	}

	cert, err := loadCertificate(certPath)
	if err != nil {
		t.Fatalf("load cert: %v", err)
	}
	secret, err := loadNoiseSecretKey(srvSec)
	if err != nil {
		t.Fatalf("load secret: %v", err)
	}
	if err := validateStaticSecretKey(cert, secret); err != nil {
		t.Fatalf("issued certificate does not match secret: %v", err)
	}
}

func TestKeytoolVerifyWrongAuthority(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(1_700_000_000, 0)
	kt, _ := newTestKeytool(now)
	mustRun := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("%v", err)
		}
	}
	mustRun(kt.genCAKey([]string{"-public-key-file", filepath.Join(dir, "a.pub"), "-secret-key-file", filepath.Join(dir, "a.sec")}))
	mustRun(kt.genCAKey([]string{"-public-key-file", filepath.Join(dir, "b.pub"), "-secret-key-file", filepath.Join(dir, "b.sec")}))
	mustRun(kt.genNoiseKey([]string{"-public-key-file", filepath.Join(dir, "s.key"), "-secret-key-file", filepath.Join(dir, "s.sec")}))
	mustRun(kt.signKey([]string{"-public-key-to-sign", filepath.Join(dir, "s.key"), "-signing-key", filepath.Join(dir, "a.sec"), "-cert-file", filepath.Join(dir, "s.cert")}))

	err := kt.verifyCert([]string{"-certificate", filepath.Join(dir, "s.cert"), "-authority-key", filepath.Join(dir, "b.pub")})
	if !errors.Is(err, errInvalidCertSignature) {
		t.Fatalf("err=%v want %v", err, errInvalidCertSignature)
	}
}

func TestKeytoolSignKeyValidation(t *testing.T) {
	kt, _ := newTestKeytool(time.Now())
	if err := kt.signKey(nil); err == nil {
		t.Fatalf("missing flags accepted")
	}
	if err := kt.signKey([]string{"-public-key-to-sign", "x", "-signing-key", "y", "-validity-days", "0"}); err == nil {
		t.Fatalf("zero validity accepted")
	}
	if err := kt.signKey([]string{"-public-key-to-sign", "x", "-signing-key", "y", "-validity-days", "5000"}); err == nil {
		t.Fatalf("oversized validity accepted")
	}
}

func TestKeytoolGenRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	kt, _ := newTestKeytool(time.Now())
	args := []string{"-public-key-file", filepath.Join(dir, "p"), "-secret-key-file", filepath.Join(dir, "s")}
	if err := kt.genCAKey(args); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := kt.genCAKey(args); !errors.Is(err, errKeyFileExists) {
		t.Fatalf("second err=%v want %v", err, errKeyFileExists)
	}
	if err := kt.genCAKey(append(args, "-force")); err != nil {
		t.Fatalf("forced: %v", err)
	}
}

func TestRunDispatch(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"version"}, &stdout, &stderr); code != 0 {
		t.Fatalf("version exit=%d", code)
	}
	if !strings.Contains(stdout.String(), "sv2proxy") {
		t.Fatalf("version output=%q", stdout.String())
	}
	if code := run([]string{"bogus"}, &stdout, &stderr); code != 2 {
		t.Fatalf("unknown command exit=%d want 2", code)
	}
	if code := run([]string{"verify-cert"}, &stdout, &stderr); code != 1 {
		t.Fatalf("verify-cert without flags exit=%d want 1", code)
	}
}
