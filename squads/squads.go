// Package squads models the on-chain multisig program the settlement vaults
// run on: account layouts, PDA derivation, and the execute instruction. Only
// the slice of the program this engine observes is modeled, meaning proposal
// and vault-transaction accounts, the multisig config, and
// vault_transaction_execute.
package squads

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// DefaultProgramID is the mainnet deployment of the multisig program.
// Deployments against a fork override it via configuration.
var DefaultProgramID = solana.MustPublicKeyFromBase58("SQDS4ep65T869zMMBKyuUq6aD6EgTu8psMjkvj52pCf")

var (
	seedPrefix      = []byte("multisig")
	seedVault       = []byte("vault")
	seedTransaction = []byte("transaction")
	seedProposal    = []byte("proposal")
)

// TransactionPDA derives the vault-transaction account for (multisig, index).
func TransactionPDA(program, multisig solana.PublicKey, index uint64) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress(
		[][]byte{seedPrefix, multisig.Bytes(), seedTransaction, indexSeed(index)},
		program,
	)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("squads: derive transaction pda: %w", err)
	}
	return addr, bump, nil
}

// ProposalPDA derives the proposal account for (multisig, index).
func ProposalPDA(program, multisig solana.PublicKey, index uint64) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress(
		[][]byte{seedPrefix, multisig.Bytes(), seedTransaction, indexSeed(index), seedProposal},
		program,
	)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("squads: derive proposal pda: %w", err)
	}
	return addr, bump, nil
}

// VaultPDA derives the vault account (the stake-holding signer) for a
// multisig and vault index.
func VaultPDA(program, multisig solana.PublicKey, vaultIndex uint8) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress(
		[][]byte{seedPrefix, multisig.Bytes(), seedVault, {vaultIndex}},
		program,
	)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("squads: derive vault pda: %w", err)
	}
	return addr, bump, nil
}

func indexSeed(index uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], index)
	return b[:]
}

// anchorAccountDiscriminator is the 8-byte prefix anchor writes before every
// account of the named type.
func anchorAccountDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

// anchorInstructionDiscriminator is the 8-byte selector for a global
// instruction handler.
func anchorInstructionDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}
