package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"qabridge/internal/vault"
	"qabridge/pkg/schema"
)

const credsUsage = `Usage:
  qabridge creds <init|status|unlock|rotate|delete>

  init    Encrypt the plaintext token dropped at the vault path
  status  Report the vault state
  unlock  Verify the stored token decrypts
  rotate  Re-encrypt from a freshly placed plaintext token
  delete  Remove the encrypted artifact and key material`

func runCreds(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("creds", flag.ExitOnError)
	fs.Usage = func() { fmt.Fprintln(os.Stderr, credsUsage) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("creds requires a subcommand")
	}

	cfg := loadConfig()
	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	switch fs.Arg(0) {
	case "init":
		if _, err := a.vault.Initialize(); err != nil {
			return err
		}
		fmt.Println("vault initialized, plaintext token removed")
		return nil
	case "status":
		printVaultStatus(a.vault)
		return nil
	case "unlock":
		if _, err := a.vault.Unlock(); err != nil {
			return err
		}
		fmt.Println("vault unlocked, token decrypts cleanly")
		return nil
	case "rotate":
		if _, err := a.vault.Rotate(); err != nil {
			return err
		}
		fmt.Println("token rotated")
		return nil
	case "delete":
		if err := a.vault.DeleteCredentials(); err != nil {
			return err
		}
		fmt.Println("credentials deleted")
		return nil
	default:
		fs.Usage()
		return fmt.Errorf("unknown creds subcommand %q", fs.Arg(0))
	}
}

func printVaultStatus(v *vault.FileVault) {
	if os.Getenv(vault.EnvUser) != "" && os.Getenv(vault.EnvToken) != "" {
		fmt.Println("status: env override (vault bypassed)")
		return
	}

	_, err := v.Unlock()
	switch {
	case err == nil:
		fmt.Println("status: unlocked")
	case schema.CodeOf(err) == schema.ErrCodeVaultNotInitialized:
		fmt.Printf("status: not initialized (drop your token at %s and run creds init)\n",
			v.Layout().TokenPath())
	case schema.CodeOf(err) == schema.ErrCodeCorruptVault:
		fmt.Println("status: corrupt (artifact fails authentication; rotate with a fresh token)")
	default:
		fmt.Println("status: error:", err)
	}
}
