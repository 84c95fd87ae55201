package main

import (
	"crypto/rand"
	"crypto/sha256"
	"flag"
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/crypto/argon2"
	"golang.org/x/term"

	"github.com/6oT9lpa/nesfinch/config"
	"github.com/6oT9lpa/nesfinch/internal/crypto"
	"github.com/6oT9lpa/nesfinch/internal/keystore"
)

var (
	// Global flags
	randomKey bool
	force     bool
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "provision":
		provisionCmd(args)
	case "show":
		showCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("keygen - NesFinch Master Key Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  keygen provision [flags]  - Provision the master secret")
	fmt.Println("  keygen show               - Display provisioning status")
	fmt.Println()
	fmt.Println("Run 'keygen <command> -h' for command-specific help")
}

func provisionCmd(args []string) {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	fs.BoolVar(&randomKey, "random", false, "Draw the master secret from the system RNG instead of a passphrase")
	fs.BoolVar(&force, "force", false, "Replace an already provisioned master secret")
	fs.Parse(args)

	cfg := config.LoadConfig()

	provisioned, err := keystore.MasterKeyProvisioned(cfg.KeyringService, cfg.DataDirectory)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query keyring: %v\n", err)
		os.Exit(1)
	}
	if provisioned && !force {
		fmt.Println("A master secret is already provisioned.")
		fmt.Println("Replacing it makes every sealed artifact unreadable.")
		fmt.Print("Replace it anyway? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return
		}
	}

	var master []byte
	if randomKey {
		master = make([]byte, crypto.KeySize)
		if _, err := io.ReadFull(rand.Reader, master); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate master secret: %v\n", err)
			os.Exit(1)
		}
	} else {
		master, err = masterFromPassphrase()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	}
	defer crypto.Zeroize(master)

	if err := keystore.ProvisionMasterKey(cfg.KeyringService, cfg.DataDirectory, master); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to provision master secret: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Master secret provisioned successfully!")
	fmt.Println()
	fmt.Println("Keyring service:")
	fmt.Printf("  %s\n", cfg.KeyringService)
	fmt.Println("Data directory:")
	fmt.Printf("  %s\n", cfg.DataDirectory)
}

func masterFromPassphrase() ([]byte, error) {
	fmt.Print("Enter passphrase: ")
	passphrase, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %v", err)
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("passphrase must not be empty (use -random for an unattended setup)")
	}

	fmt.Print("Confirm passphrase: ")
	confirm, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %v", err)
	}
	if string(passphrase) != string(confirm) {
		return nil, fmt.Errorf("passphrases do not match")
	}
	crypto.Zeroize(confirm)

	// The salt is random because the derived key is stored, never re-derived.
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %v", err)
	}

	master := argon2.IDKey(passphrase, salt, 3, 64*1024, 4, crypto.KeySize)
	crypto.Zeroize(passphrase)
	return master, nil
}

func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	fs.Parse(args)

	cfg := config.LoadConfig()

	provisioned, err := keystore.MasterKeyProvisioned(cfg.KeyringService, cfg.DataDirectory)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query keyring: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Master secret:")
	if provisioned {
		fmt.Println("  provisioned")
		if master, err := keystore.LoadMasterKey(cfg.KeyringService, cfg.DataDirectory); err == nil {
			hash := sha256.Sum256(master)
			crypto.Zeroize(master)
			fmt.Println("Fingerprint:")
			fmt.Printf("  SHA256:%x\n", hash[:8])
		}
	} else {
		fmt.Println("  not provisioned (run 'keygen provision')")
	}

	keyFile := false
	storagePath := ""
	if ks, err := keystore.New(cfg.KeysDirectory, make([]byte, crypto.KeySize)); err == nil {
		storagePath = ks.Path()
		if _, err := os.Stat(storagePath); err == nil {
			keyFile = true
		}
	}

	fmt.Println("Encrypted private key artifact:")
	if keyFile {
		fmt.Printf("  %s\n", storagePath)
	} else {
		fmt.Println("  none")
	}
}
