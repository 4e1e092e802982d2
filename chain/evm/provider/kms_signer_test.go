package provider

import (
	"crypto/ecdsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	kmslib "github.com/aws/aws-sdk-go/service/kms"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testKMSKeyID = "1234567-1234-1234-1234-123456789012"

type mockKMSClient struct {
	mock.Mock
}

func (m *mockKMSClient) GetPublicKey(input *kmslib.GetPublicKeyInput) (*kmslib.GetPublicKeyOutput, error) {
	args := m.Called(input)
	out, _ := args.Get(0).(*kmslib.GetPublicKeyOutput)

	return out, args.Error(1)
}

func (m *mockKMSClient) Sign(input *kmslib.SignInput) (*kmslib.SignOutput, error) {
	args := m.Called(input)
	out, _ := args.Get(0).(*kmslib.SignOutput)

	return out, args.Error(1)
}

// testKMSKey generates a key and its SPKI DER encoding as KMS would return it.
func testKMSKey(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	pub := crypto.FromECDSAPub(&key.PublicKey)
	der, err := asn1.Marshal(spki{
		AlgorithmIdentifier: pkix.AlgorithmIdentifier{
			Algorithm: asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1},
		},
		SubjectPublicKey: asn1.BitString{Bytes: pub, BitLength: len(pub) * 8},
	})
	require.NoError(t, err)

	return key, der
}

// testKMSSignature signs hash and DER encodes it the way KMS does. When highS is set the
// S value is replaced with N - S.
func testKMSSignature(t *testing.T, key *ecdsa.PrivateKey, hash []byte, highS bool) []byte {
	t.Helper()

	sig, err := crypto.Sign(hash, key)
	require.NoError(t, err)

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if highS {
		s = new(big.Int).Sub(secp256k1N, s)
	}

	der, err := asn1.Marshal(struct{ R, S *big.Int }{r, s})
	require.NoError(t, err)

	return der
}

func newTestKMSSigner(client kmsClient) *KMSSigner {
	return &KMSSigner{client: client, kmsKeyID: testKMSKeyID}
}

func Test_NewKMSSigner(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		giveKeyID   string
		giveRegion  string
		giveProfile string
		wantErr     string
	}{
		{name: "valid", giveKeyID: testKMSKeyID, giveRegion: "ap-southeast-1"},
		{name: "missing key id", giveRegion: "ap-southeast-1", wantErr: "KMS key ID is required"},
		{name: "missing region", giveKeyID: testKMSKeyID, wantErr: "KMS key region is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			signer, err := NewKMSSigner(tt.giveKeyID, tt.giveRegion, tt.giveProfile)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)

				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.giveKeyID, signer.kmsKeyID)
			assert.NotNil(t, signer.client)
		})
	}
}

func Test_KMSSigner_GetAddress(t *testing.T) {
	t.Parallel()

	key, der := testKMSKey(t)

	tests := []struct {
		name       string
		beforeFunc func(c *mockKMSClient)
		wantErr    string
	}{
		{
			name: "derives the address",
			beforeFunc: func(c *mockKMSClient) {
				c.On("GetPublicKey", &kmslib.GetPublicKeyInput{KeyId: aws.String(testKMSKeyID)}).
					Return(&kmslib.GetPublicKeyOutput{PublicKey: der}, nil).
					Once()
			},
		},
		{
			name: "KMS error",
			beforeFunc: func(c *mockKMSClient) {
				c.On("GetPublicKey", mock.Anything).Return(nil, assert.AnError)
			},
			wantErr: "cannot get public key from KMS",
		},
		{
			name: "malformed public key",
			beforeFunc: func(c *mockKMSClient) {
				c.On("GetPublicKey", mock.Anything).
					Return(&kmslib.GetPublicKeyOutput{PublicKey: []byte("invalid")}, nil)
			},
			wantErr: "cannot parse asn1 public key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := &mockKMSClient{}
			tt.beforeFunc(client)
			signer := newTestKMSSigner(client)

			addr, err := signer.GetAddress()
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)

				return
			}
			require.NoError(t, err)
			assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), addr)

			// The key is cached after the first fetch.
			_, err = signer.GetAddress()
			require.NoError(t, err)
			client.AssertExpectations(t)
		})
	}
}

func Test_KMSSigner_SignHash(t *testing.T) {
	t.Parallel()

	key, der := testKMSKey(t)
	hash := crypto.Keccak256([]byte("safe transaction"))

	for _, highS := range []bool{false, true} {
		client := &mockKMSClient{}
		client.On("GetPublicKey", mock.Anything).Return(&kmslib.GetPublicKeyOutput{PublicKey: der}, nil)
		client.On("Sign", mock.MatchedBy(func(in *kmslib.SignInput) bool {
			return string(in.Message) == string(hash) && *in.KeyId == testKMSKeyID
		})).Return(&kmslib.SignOutput{Signature: testKMSSignature(t, key, hash, highS)}, nil)

		sig, err := newTestKMSSigner(client).SignHash(hash)
		require.NoError(t, err)
		require.Len(t, sig, 65)

		pub, err := crypto.SigToPub(hash, sig)
		require.NoError(t, err)
		assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(*pub))
	}
}

func Test_KMSSigner_GetTransactOpts(t *testing.T) {
	t.Parallel()

	key, der := testKMSKey(t)
	chainID := big.NewInt(1337)
	signer := types.LatestSignerForChainID(chainID)
	tx := types.NewTransaction(0, common.HexToAddress("0x5"), big.NewInt(0), 21000, big.NewInt(1), nil)
	txHash := signer.Hash(tx).Bytes()

	client := &mockKMSClient{}
	client.On("GetPublicKey", mock.Anything).Return(&kmslib.GetPublicKeyOutput{PublicKey: der}, nil)
	client.On("Sign", mock.Anything).Return(&kmslib.SignOutput{Signature: testKMSSignature(t, key, txHash, false)}, nil)

	kmsSigner := newTestKMSSigner(client)

	_, err := kmsSigner.GetTransactOpts(t.Context(), nil)
	require.ErrorContains(t, err, "chainID is required")

	opts, err := kmsSigner.GetTransactOpts(t.Context(), chainID)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), opts.From)

	signed, err := opts.Signer(opts.From, tx)
	require.NoError(t, err)

	sender, err := types.Sender(signer, signed)
	require.NoError(t, err)
	assert.Equal(t, opts.From, sender)

	_, err = opts.Signer(common.HexToAddress("0x6"), tx)
	require.Error(t, err)
}
