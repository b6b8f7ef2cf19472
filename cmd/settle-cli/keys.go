package main

import (
	"fmt"
	"os"
	"strings"

	"settlechain/cmd/internal/passphrase"
	"settlechain/crypto"
)

const keyPassEnv = "SETTLE_KEY_PASS"

func runKeygen(c *cli, args []string) int {
	fs := c.newFlagSet("keygen")
	out := fs.String("out", "", "keystore file to create")
	passEnv := fs.String("pass-env", keyPassEnv, "environment variable holding the passphrase")
	light := fs.Bool("light", false, "use the light scrypt cost (development keys only)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	path := strings.TrimSpace(*out)
	if path == "" {
		return c.fail("--out is required")
	}
	if _, err := os.Stat(path); err == nil {
		return c.fail("refusing to overwrite %s", path)
	}
	pass, err := passphrase.NewConfirmingSource(*passEnv).Get()
	if err != nil {
		return c.fail("passphrase: %v", err)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return c.fail("generate key: %v", err)
	}
	params := crypto.StandardKeystore
	if *light {
		params = crypto.LightKeystore
	}
	if err := crypto.SaveToKeystoreWithParams(path, key, pass, params); err != nil {
		return c.fail("write keystore: %v", err)
	}
	fmt.Fprintln(c.stdout, key.PubKey().Address().String())
	return 0
}

func runAddress(c *cli, args []string) int {
	fs := c.newFlagSet("address")
	keystorePath := fs.String("keystore", "", "keystore file")
	passEnv := fs.String("pass-env", keyPassEnv, "environment variable holding the passphrase")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	key, err := loadKey(*keystorePath, *passEnv)
	if err != nil {
		return c.fail("%v", err)
	}
	fmt.Fprintln(c.stdout, key.PubKey().Address().String())
	return 0
}

func loadKey(path, passEnv string) (*crypto.PrivateKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("--keystore is required")
	}
	pass, err := passphrase.NewSource(passEnv).Get()
	if err != nil {
		return nil, fmt.Errorf("passphrase: %w", err)
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("load keystore: %w", err)
	}
	return key, nil
}
