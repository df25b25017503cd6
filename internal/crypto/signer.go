package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/calegray/flashhawk/internal/domain"
)

// Signer signs EVM transactions with the hot-wallet key. One Signer is bound
// to one chain ID; a multi-venue deployment holds one per venue.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	inner      types.Signer
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key and the
// target chain ID. It uses the latest signer rules for the chain, so EIP-1559
// transactions sign correctly.
func NewSigner(privateKeyHex string, chainID *big.Int) (*Signer, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("crypto/signer: chain id must be positive")
	}

	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    new(big.Int).Set(chainID),
		inner:      types.LatestSignerForChainID(chainID),
	}, nil
}

// Address returns the address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID returns the chain the signer is bound to.
func (s *Signer) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// SignTx signs a transaction for the signer's chain.
func (s *Signer) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.inner, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}
	return signed, nil
}

// SignDigest signs a 32-byte digest and returns the 65-byte r||s||v
// signature with v in {27,28}.
func (s *Signer) SignDigest(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("crypto/signer: digest must be 32 bytes, got %d", len(digest))
	}
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}
