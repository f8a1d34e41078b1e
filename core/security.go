// SPDX-License-Identifier: Apache-2.0
// Package core – shared cryptographic primitives.
//
// Exposes:
//   - Sign / Verify   – Ed25519 (peer identities) + BLS12-381 (record owners).
//   - BLS aggregation – used by the merkle batch payment multi-signer flow.
package core

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	bls "github.com/herumi/bls-eth-go-binary/bls"
)

type KeyAlgo uint8

const (
	AlgoEd25519 KeyAlgo = iota
	AlgoBLS
)

// Sign signs msg with priv.
//   - For Ed25519: priv must be ed25519.PrivateKey.
//   - For BLS:     priv must be *bls.SecretKey.
func Sign(algo KeyAlgo, priv interface{}, msg []byte) ([]byte, error) {
	switch algo {
	case AlgoEd25519:
		pk, ok := priv.(ed25519.PrivateKey)
		if !ok {
			return nil, errors.New("invalid ed25519 private key type")
		}
		return ed25519.Sign(pk, msg), nil

	case AlgoBLS:
		sk, ok := priv.(*bls.SecretKey)
		if !ok {
			return nil, errors.New("invalid BLS secret key type")
		}
		sig := sk.SignByte(msg)
		return sig.Serialize(), nil

	default:
		return nil, errors.New("unknown algo")
	}
}

// Verify checks sig for msg with pub.
// pub may be ed25519.PublicKey, *bls.PublicKey, or compressed []byte (BLS).
func Verify(algo KeyAlgo, pub interface{}, msg, sig []byte) (bool, error) {
	switch algo {
	case AlgoEd25519:
		pk, ok := pub.(ed25519.PublicKey)
		if !ok {
			return false, errors.New("invalid ed25519 pubkey type")
		}
		return ed25519.Verify(pk, msg, sig), nil

	case AlgoBLS:
		var pk bls.PublicKey
		switch v := pub.(type) {
		case *bls.PublicKey:
			pk = *v
		case []byte:
			if err := pk.Deserialize(v); err != nil {
				return false, err
			}
		default:
			return false, errors.New("invalid BLS pubkey type")
		}

		var s bls.Sign
		if err := s.Deserialize(sig); err != nil {
			return false, err
		}
		return s.VerifyByte(&pk, msg), nil

	default:
		return false, errors.New("unknown algo")
	}
}

//---------------------------------------------------------------------
// BLS aggregation helpers (C8 merkle batch payment co-signing)
//---------------------------------------------------------------------

// AggregateBLSSigs merges multiple compressed BLS signatures over the same
// message into a single aggregate signature.
func AggregateBLSSigs(sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, errors.New("no sigs to aggregate")
	}
	var agg bls.Sign
	for i, raw := range sigs {
		var s bls.Sign
		if err := s.Deserialize(raw); err != nil {
			return nil, fmt.Errorf("sig %d: %w", i, err)
		}
		if i == 0 {
			agg = s
		} else {
			agg.Add(&s)
		}
	}
	return agg.Serialize(), nil
}

// VerifyAggregated verifies an aggregated signature against an aggregated
// public key for a shared message.
func VerifyAggregated(aggSig, pubAgg, msg []byte) (bool, error) {
	var pk bls.PublicKey
	if err := pk.Deserialize(pubAgg); err != nil {
		return false, err
	}
	var sig bls.Sign
	if err := sig.Deserialize(aggSig); err != nil {
		return false, err
	}
	return sig.VerifyByte(&pk, msg), nil
}

