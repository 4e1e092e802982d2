package provider

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignerGenerator produces the *bind.TransactOpts the reconciler signs transactions with and
// signs arbitrary hashes (such as multisig transaction hashes) with the same key.
type SignerGenerator interface {
	Generate(chainID *big.Int) (*bind.TransactOpts, error)
	SignHash(hash []byte) ([]byte, error)
}

var (
	_ SignerGenerator = (*transactorFromRaw)(nil)
	_ SignerGenerator = (*transactorRandom)(nil)
	_ SignerGenerator = (*transactorFromKMS)(nil)
)

// TransactorFromRaw returns a generator backed by a hex encoded private key. A leading 0x is
// accepted.
func TransactorFromRaw(privKey string) SignerGenerator {
	return &transactorFromRaw{privKey: strings.TrimPrefix(privKey, "0x")}
}

type transactorFromRaw struct {
	privKey string
}

func (g *transactorFromRaw) key() (*ecdsa.PrivateKey, error) {
	privKey, err := crypto.HexToECDSA(g.privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to convert private key to ECDSA: %w", err)
	}

	return privKey, nil
}

// Generate parses the private key and returns the bind transactor options.
func (g *transactorFromRaw) Generate(chainID *big.Int) (*bind.TransactOpts, error) {
	privKey, err := g.key()
	if err != nil {
		return nil, err
	}

	return bind.NewKeyedTransactorWithChainID(privKey, chainID)
}

// SignHash signs hash with the private key.
func (g *transactorFromRaw) SignHash(hash []byte) ([]byte, error) {
	privKey, err := g.key()
	if err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(hash, privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign hash: %w", err)
	}

	return sig, nil
}

// TransactorRandom returns a generator backed by a random key, created on first use and kept
// for the lifetime of the generator. Used for dry runs and tests.
func TransactorRandom() SignerGenerator {
	return &transactorRandom{}
}

type transactorRandom struct {
	mu      sync.Mutex
	privKey *ecdsa.PrivateKey
}

func (g *transactorRandom) key() (*ecdsa.PrivateKey, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.privKey == nil {
		privKey, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate random private key: %w", err)
		}
		g.privKey = privKey
	}

	return g.privKey, nil
}

// Generate returns the bind transactor options for the random key.
func (g *transactorRandom) Generate(chainID *big.Int) (*bind.TransactOpts, error) {
	privKey, err := g.key()
	if err != nil {
		return nil, err
	}

	return bind.NewKeyedTransactorWithChainID(privKey, chainID)
}

// SignHash signs hash with the random key.
func (g *transactorRandom) SignHash(hash []byte) ([]byte, error) {
	privKey, err := g.key()
	if err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(hash, privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign hash: %w", err)
	}

	return sig, nil
}

// TransactorFromKMS returns a generator that signs with an AWS KMS key. If awsProfile is empty
// the AWS environment variables determine the credentials.
func TransactorFromKMS(keyID, keyRegion, awsProfile string) (SignerGenerator, error) {
	signer, err := NewKMSSigner(keyID, keyRegion, awsProfile)
	if err != nil {
		return nil, fmt.Errorf("failed to create KMS signer: %w", err)
	}

	return &transactorFromKMS{signer: signer}, nil
}

type transactorFromKMS struct {
	signer *KMSSigner
}

// Generate asks KMS for the public key and returns transactor options that sign through KMS.
func (g *transactorFromKMS) Generate(chainID *big.Int) (*bind.TransactOpts, error) {
	transactor, err := g.signer.GetTransactOpts(context.Background(), chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transact opts from KMS signer: %w", err)
	}

	return transactor, nil
}

// SignHash signs hash through KMS.
func (g *transactorFromKMS) SignHash(hash []byte) ([]byte, error) {
	return g.signer.SignHash(hash)
}
