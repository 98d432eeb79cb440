package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/agora-chat/agora"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "generate":
		generateCmd(os.Args[2:])
	case "show":
		showCmd(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `agora-keygen - Identity management for agora

Usage:
  agora-keygen <command> [options]

Commands:
  generate   Create a new sealed identity file
  show       Print the address stored in an identity file

The sealing passphrase is read from AGORA_PASSPHRASE. An empty
passphrase is allowed but anyone who copies the file owns the identity.

Examples:
  # Create an identity at the default location
  AGORA_PASSPHRASE=secret agora-keygen generate

  # Inspect an identity without unsealing it
  agora-keygen show -keystore ~/.agora/identity.json

For more information on each command, use:
  agora-keygen <command> -help
`)
}

func generateCmd(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	keystorePtr := fs.String("keystore", agora.DefaultKeystorePath(), "where to write the sealed identity")
	forcePtr := fs.Bool("force", false, "overwrite an existing identity file")
	fs.Parse(args)

	keystore := agora.NewKeystore(*keystorePtr)
	if keystore.Exists() && !*forcePtr {
		fmt.Fprintf(os.Stderr, "refusing to overwrite %s (use -force)\n", *keystorePtr)
		os.Exit(1)
	}

	keypair, err := agora.NewKeypair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generating keypair: %v\n", err)
		os.Exit(1)
	}
	if err := keystore.Save(keypair, os.Getenv("AGORA_PASSPHRASE")); err != nil {
		fmt.Fprintf(os.Stderr, "sealing identity: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("address: %s\n", keypair.Address())
}

func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	keystorePtr := fs.String("keystore", agora.DefaultKeystorePath(), "identity file to inspect")
	unsealPtr := fs.Bool("unseal", false, "unseal and verify the key matches the stored address")
	fs.Parse(args)

	keystore := agora.NewKeystore(*keystorePtr)
	if !*unsealPtr {
		address, err := keystore.PeekAddress()
		if err != nil {
			fmt.Fprintf(os.Stderr, "reading keystore: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("address: %s (sealed)\n", address)
		return
	}

	keypair, err := keystore.Load(os.Getenv("AGORA_PASSPHRASE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "unsealing identity: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("address: %s\n", keypair.Address())
	fmt.Printf("public key: %s\n", agora.FormatPublicKey(keypair.PublicKey))
}
