package commands

import (
	"context"
	"crypto/rand"
	"errors"
	"os"

	"p2pstore/config"
	"p2pstore/crypto/sign"

	log "github.com/sirupsen/logrus"
)

// RunInit writes a fresh config with a newly generated node key. An existing
// config file is never overwritten.
func RunInit(ctx context.Context, cfg *config.Config, algorithm string) {
	if _, err := os.Stat(cfg.File()); err == nil {
		log.Fatalf("Config file %s already exists", cfg.File())
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Failed to check config file: %v", err)
	}

	alg := sign.AlgEd25519
	switch algorithm {
	case "ed25519":
	case "dilithium3":
		alg = sign.AlgDilithium3
	default:
		log.Fatalf("Unsupported key algorithm %q", algorithm)
	}

	key, err := sign.GenerateKey(alg, rand.Reader)
	if err != nil {
		log.Fatalf("Failed to generate node key: %v", err)
	}
	cfg.Node.PrivateKey = config.PrivKey{PrivateKey: key}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Default config is invalid: %v", err)
	}
	if err := cfg.Save(); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}

	id := cfg.NodeID()
	log.Infof("Initialized node %s (%s key)", id.String(), alg)
}
