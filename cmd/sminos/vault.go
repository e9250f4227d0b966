package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"

	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/store"
	"github.com/mtzanidakis/sminos/internal/vault"
)

// runVault works on the store directly, bypassing the HTTP API. The API
// never returns secret values, so this is the only way to read one back.
func runVault(args []string) error {
	if len(args) == 0 {
		printVaultUsage()
		return nil
	}

	passphrase := os.Getenv("SMINOS_VAULT_PASSPHRASE")
	if passphrase == "" {
		return fmt.Errorf("SMINOS_VAULT_PASSPHRASE environment variable is required")
	}

	v, err := vault.New(passphrase)
	if err != nil {
		return fmt.Errorf("init vault: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	switch args[0] {
	case "list":
		return vaultList(db)
	case "set":
		return vaultSet(db, v, args[1:])
	case "get":
		return vaultGet(db, v, args[1:])
	case "delete":
		return vaultDelete(db, args[1:])
	default:
		printVaultUsage()
		return fmt.Errorf("unknown vault command: %s", args[0])
	}
}

func printVaultUsage() {
	fmt.Fprintf(os.Stderr, `Usage: sminos vault <command>

Commands:
  list                                              List all secrets (metadata only)
  set <name> --value <str> [--description <text>]   Store a sealed secret
  get <name>                                        Retrieve and unseal a secret
  delete <name>                                     Delete a secret

Environment:
  SMINOS_VAULT_PASSPHRASE           Required. Encryption passphrase.
`)
}

func vaultList(db *store.Store) error {
	secrets, err := db.ListSecrets()
	if err != nil {
		return err
	}
	if len(secrets) == 0 {
		fmt.Println("No secrets stored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION\tUPDATED")
	for _, s := range secrets {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.Description, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func vaultSet(db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 3 || args[1] != "--value" {
		return fmt.Errorf("usage: sminos vault set <name> --value <string> [--description <text>]")
	}

	name := args[0]
	value := []byte(args[2])

	description := ""
	for i := 3; i < len(args)-1; i++ {
		if args[i] == "--description" {
			description = args[i+1]
			break
		}
	}

	ciphertext, nonce, err := v.Seal(value)
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}

	sec := &store.Secret{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Value:       ciphertext,
		Nonce:       nonce,
	}

	// Updating an existing name keeps its ID.
	existing, err := db.GetSecretByName(name)
	if err != nil {
		return err
	}
	if existing != nil {
		sec.ID = existing.ID
		if description == "" {
			sec.Description = existing.Description
		}
	}

	if err := db.SaveSecret(sec); err != nil {
		return err
	}
	fmt.Printf("Secret %q saved\n", name)
	return nil
}

func vaultGet(db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: sminos vault get <name>")
	}

	sec, err := db.GetSecretByName(args[0])
	if err != nil {
		return err
	}
	if sec == nil {
		return fmt.Errorf("secret %q not found", args[0])
	}

	plaintext, err := v.Open(sec.Value, sec.Nonce)
	if err != nil {
		return fmt.Errorf("unseal: %w", err)
	}

	fmt.Print(string(plaintext))
	if len(plaintext) > 0 && plaintext[len(plaintext)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func vaultDelete(db *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: sminos vault delete <name>")
	}

	sec, err := db.GetSecretByName(args[0])
	if err != nil {
		return err
	}
	if sec == nil {
		return fmt.Errorf("secret %q not found", args[0])
	}

	if err := db.DeleteSecret(sec.ID); err != nil {
		return err
	}
	fmt.Printf("Secret %q deleted\n", args[0])
	return nil
}
