package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/hako/durafmt"
)

const (
	defaultCAPublicKeyFile    = "ca-ed25519-public.key"
	defaultCASecretKeyFile    = "ca-ed25519-secret.key"
	defaultNoisePublicKeyFile = "server-noise-static-public.key"
	defaultNoiseSecretKeyFile = "server-noise-static-secret.key"
	defaultCertValidityDays   = 90
	maxCertValidityDays       = 3650
	keytoolTimestampLayout    = time.RFC3339
)

// keytool subcommands write key material with the same JSON layout the
// serve command reads. now is injectable for tests.
type keytool struct {
	out io.Writer
	now func() time.Time
}

func (k keytool) genCAKey(args []string) error {
	fs := flag.NewFlagSet("gen-ca-key", flag.ContinueOnError)
	fs.SetOutput(k.out)
	pubPath := fs.String("public-key-file", defaultCAPublicKeyFile, "output path for the CA public key")
	secPath := fs.String("secret-key-file", defaultCASecretKeyFile, "output path for the CA secret key")
	force := fs.Bool("force", false, "overwrite existing key files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	kp, err := generateCAKeyPair()
	if err != nil {
		return fmt.Errorf("generate ca key: %w", err)
	}
	if err := saveCAKeyPair(kp, *pubPath, *secPath, *force); err != nil {
		return err
	}
	fmt.Fprintf(k.out, "wrote %s and %s\n", *pubPath, *secPath)
	fmt.Fprintf(k.out, "authority public key: %s\n", encodeBase58Key(kp.Public))
	return nil
}

func (k keytool) genNoiseKey(args []string) error {
	fs := flag.NewFlagSet("gen-noise-key", flag.ContinueOnError)
	fs.SetOutput(k.out)
	pubPath := fs.String("public-key-file", defaultNoisePublicKeyFile, "output path for the static public key")
	secPath := fs.String("secret-key-file", defaultNoiseSecretKeyFile, "output path for the static secret key")
	force := fs.Bool("force", false, "overwrite existing key files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	kp, err := generateStaticKeyPair()
	if err != nil {
		return fmt.Errorf("generate noise key: %w", err)
	}
	if err := saveStaticKeyPair(kp, *pubPath, *secPath, *force); err != nil {
		return err
	}
	fmt.Fprintf(k.out, "wrote %s and %s\n", *pubPath, *secPath)
	return nil
}

func (k keytool) signKey(args []string) error {
	fs := flag.NewFlagSet("sign-key", flag.ContinueOnError)
	fs.SetOutput(k.out)
	pubPath := fs.String("public-key-to-sign", "", "static public key file to certify")
	signPath := fs.String("signing-key", "", "CA secret key file")
	days := fs.Int("validity-days", defaultCertValidityDays, "certificate validity in days")
	certPath := fs.String("cert-file", "", "output certificate path (default: <public key>.cert)")
	force := fs.Bool("force", false, "overwrite an existing certificate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *pubPath == "" || *signPath == "" {
		return fmt.Errorf("sign-key requires --public-key-to-sign and --signing-key")
	}
	if *days <= 0 || *days > maxCertValidityDays {
		return fmt.Errorf("--validity-days must be between 1 and %d", maxCertValidityDays)
	}
	if *certPath == "" {
		*certPath = certFilePathFor(*pubPath)
	}

	pub, err := loadNoisePublicKey(*pubPath)
	if err != nil {
		return err
	}
	signer, err := loadCASecretKey(*signPath)
	if err != nil {
		return err
	}
	validity := time.Duration(*days) * 24 * time.Hour
	cert, err := signCertificate(pub, signer, validity, k.now())
	if err != nil {
		return err
	}
	if err := saveCertificate(cert, *certPath, *force); err != nil {
		return err
	}
	fmt.Fprintf(k.out, "wrote %s\n", *certPath)
	k.printWindow(cert)
	return nil
}

func (k keytool) verifyCert(args []string) error {
	fs := flag.NewFlagSet("verify-cert", flag.ContinueOnError)
	fs.SetOutput(k.out)
	certPath := fs.String("certificate", "", "certificate file")
	authPath := fs.String("authority-key", "", "CA public key file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *certPath == "" || *authPath == "" {
		return fmt.Errorf("verify-cert requires --certificate and --authority-key")
	}
	cert, err := loadCertificate(*certPath)
	if err != nil {
		return err
	}
	authority, err := loadCAPublicKey(*authPath)
	if err != nil {
		return err
	}
	k.printWindow(cert)
	if err := verifyCertificate(cert, authority, k.now()); err != nil {
		fmt.Fprintf(k.out, "result:      INVALID (%v)\n", err)
		return err
	}
	fmt.Fprintln(k.out, "result:      OK")
	return nil
}

func (k keytool) printWindow(cert noiseCertificate) {
	now := k.now()
	from := cert.Header.validFrom()
	until := cert.Header.notValidAfter()
	fmt.Fprintf(k.out, "server key:  %s\n", encodeBase58Key(cert.PublicKey[:]))
	fmt.Fprintf(k.out, "valid from:  %s\n", from.Format(keytoolTimestampLayout))
	fmt.Fprintf(k.out, "valid until: %s\n", until.Format(keytoolTimestampLayout))
	if until.After(now) {
		fmt.Fprintf(k.out, "remaining:   %s\n", durafmt.Parse(until.Sub(now).Truncate(time.Minute)).LimitFirstN(2))
	}
}
