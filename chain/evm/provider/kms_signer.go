package provider

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	kmslib "github.com/aws/aws-sdk-go/service/kms"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/secp256k1"
)

// kmsClient is the part of the AWS KMS API the signer uses.
type kmsClient interface {
	GetPublicKey(input *kmslib.GetPublicKeyInput) (*kmslib.GetPublicKeyOutput, error)
	Sign(input *kmslib.SignInput) (*kmslib.SignOutput, error)
}

var _ kmsClient = (*kmslib.KMS)(nil)

// spki is the ASN.1 SubjectPublicKeyInfo returned by KMS GetPublicKey.
type spki struct {
	AlgorithmIdentifier pkix.AlgorithmIdentifier
	SubjectPublicKey    asn1.BitString
}

// ecdsaSig is the ASN.1 DER signature returned by KMS Sign.
type ecdsaSig struct {
	R asn1.RawValue
	S asn1.RawValue
}

// KMSSigner signs EVM transactions and hashes with a secp256k1 key held in AWS KMS. The
// private key never leaves KMS.
type KMSSigner struct {
	client   kmsClient
	kmsKeyID string

	mu             sync.Mutex
	ecdsaPublicKey *ecdsa.PublicKey
}

// NewKMSSigner creates a KMSSigner for keyID in keyRegion. An empty awsProfile uses the
// credentials from the environment.
func NewKMSSigner(keyID, keyRegion, awsProfile string) (*KMSSigner, error) {
	if keyID == "" {
		return nil, errors.New("KMS key ID is required")
	}
	if keyRegion == "" {
		return nil, errors.New("KMS key region is required")
	}

	opts := session.Options{
		Config:            aws.Config{Region: aws.String(keyRegion)},
		SharedConfigState: session.SharedConfigEnable,
	}
	if awsProfile != "" {
		opts.Profile = awsProfile
	}

	sess, err := session.NewSessionWithOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &KMSSigner{
		client:   kmslib.New(sess),
		kmsKeyID: keyID,
	}, nil
}

// GetECDSAPublicKey fetches the public key from KMS once and caches it.
func (s *KMSSigner) GetECDSAPublicKey() (*ecdsa.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ecdsaPublicKey != nil {
		return s.ecdsaPublicKey, nil
	}

	out, err := s.client.GetPublicKey(&kmslib.GetPublicKeyInput{
		KeyId: aws.String(s.kmsKeyID),
	})
	if err != nil {
		return nil, fmt.Errorf("cannot get public key from KMS for KeyId=%s: %w", s.kmsKeyID, err)
	}

	var info spki
	if _, err = asn1.Unmarshal(out.PublicKey, &info); err != nil {
		return nil, fmt.Errorf("cannot parse asn1 public key for KeyId=%s: %w", s.kmsKeyID, err)
	}

	pubKey, err := crypto.UnmarshalPubkey(info.SubjectPublicKey.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cannot unmarshal public key bytes: %w", err)
	}
	s.ecdsaPublicKey = pubKey

	return pubKey, nil
}

// GetAddress returns the EVM address of the KMS key.
func (s *KMSSigner) GetAddress() (common.Address, error) {
	pubKey, err := s.GetECDSAPublicKey()
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to get public key: %w", err)
	}

	return crypto.PubkeyToAddress(*pubKey), nil
}

// GetTransactOpts returns transactor options whose Signer signs through KMS.
func (s *KMSSigner) GetTransactOpts(ctx context.Context, chainID *big.Int) (*bind.TransactOpts, error) {
	if chainID == nil {
		return nil, errors.New("chainID is required")
	}

	pubKey, err := s.GetECDSAPublicKey()
	if err != nil {
		return nil, err
	}

	keyAddr := crypto.PubkeyToAddress(*pubKey)
	signer := types.LatestSignerForChainID(chainID)

	return &bind.TransactOpts{
		From: keyAddr,
		Signer: func(address common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if address != keyAddr {
				return nil, bind.ErrNotAuthorized
			}

			sig, err := s.sign(pubKey, signer.Hash(tx).Bytes())
			if err != nil {
				return nil, err
			}

			return tx.WithSignature(signer, sig)
		},
		Context: ctx,
	}, nil
}

// SignHash signs a 32 byte hash and returns a 65 byte [R || S || V] signature with V in {0, 1}.
func (s *KMSSigner) SignHash(hash []byte) ([]byte, error) {
	pubKey, err := s.GetECDSAPublicKey()
	if err != nil {
		return nil, err
	}

	return s.sign(pubKey, hash)
}

func (s *KMSSigner) sign(pubKey *ecdsa.PublicKey, hash []byte) ([]byte, error) {
	var (
		mType = kmslib.MessageTypeDigest
		algo  = kmslib.SigningAlgorithmSpecEcdsaSha256
	)

	out, err := s.client.Sign(&kmslib.SignInput{
		KeyId:            aws.String(s.kmsKeyID),
		SigningAlgorithm: &algo,
		MessageType:      &mType,
		Message:          hash,
	})
	if err != nil {
		return nil, fmt.Errorf("call to kms.Sign() failed: %w", err)
	}

	pubKeyBytes := secp256k1.S256().Marshal(pubKey.X, pubKey.Y)
	sig, err := kmsToEVMSig(out.Signature, pubKeyBytes, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to convert KMS signature to EVM signature: %w", err)
	}

	return sig, nil
}

var (
	secp256k1N     = crypto.S256().Params().N
	secp256k1HalfN = new(big.Int).Div(secp256k1N, big.NewInt(2))
)

// kmsToEVMSig converts a DER signature from KMS into a 65 byte EVM signature. S is normalized
// to the lower half of the curve order (EIP-2) and V is found by trial recovery.
func kmsToEVMSig(kmsSig, pubKeyBytes, hash []byte) ([]byte, error) {
	var sig ecdsaSig
	if _, err := asn1.Unmarshal(kmsSig, &sig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal KMS signature: %w", err)
	}

	sBytes := sig.S.Bytes
	if s := new(big.Int).SetBytes(sBytes); s.Cmp(secp256k1HalfN) > 0 {
		sBytes = new(big.Int).Sub(secp256k1N, s).Bytes()
	}

	rs := append(padTo32Bytes(sig.R.Bytes), padTo32Bytes(sBytes)...)
	for _, v := range []byte{0, 1} {
		candidate := append(append([]byte{}, rs...), v)

		recovered, err := crypto.Ecrecover(hash, candidate)
		if err != nil {
			return nil, fmt.Errorf("failed to recover signature with v=%d: %w", v, err)
		}
		if bytes.Equal(recovered, pubKeyBytes) {
			return candidate, nil
		}
	}

	return nil, errors.New("cannot reconstruct public key from sig")
}

// padTo32Bytes left pads buffer with zeros to 32 bytes.
func padTo32Bytes(buffer []byte) []byte {
	buffer = bytes.TrimLeft(buffer, "\x00")
	if len(buffer) >= 32 {
		return buffer
	}

	return append(make([]byte, 32-len(buffer)), buffer...)
}
