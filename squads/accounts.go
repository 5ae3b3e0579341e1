package squads

import (
	"bytes"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	discriminatorMultisig         = anchorAccountDiscriminator("Multisig")
	discriminatorProposal         = anchorAccountDiscriminator("Proposal")
	discriminatorVaultTransaction = anchorAccountDiscriminator("VaultTransaction")
)

// ErrWrongAccountType is returned when account data does not carry the
// discriminator of the type being decoded. The usual cause is a stale or
// mistyped address in the local store, which reconciliation treats as drift
// rather than a transport failure.
var ErrWrongAccountType = errors.New("squads: wrong account discriminator")

// StatusKind enumerates the proposal status variants in on-chain order.
type StatusKind uint8

const (
	StatusDraft StatusKind = iota
	StatusActive
	StatusRejected
	StatusApproved
	StatusExecuting
	StatusExecuted
	StatusCancelled
)

func (k StatusKind) String() string {
	switch k {
	case StatusDraft:
		return "Draft"
	case StatusActive:
		return "Active"
	case StatusRejected:
		return "Rejected"
	case StatusApproved:
		return "Approved"
	case StatusExecuting:
		return "Executing"
	case StatusExecuted:
		return "Executed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("StatusKind(%d)", uint8(k))
	}
}

// ProposalStatus is the borsh enum on the proposal account. Every variant
// except Executing carries the unix timestamp of the transition.
type ProposalStatus struct {
	Kind      StatusKind
	Timestamp int64
}

func (s *ProposalStatus) UnmarshalWithDecoder(dec *bin.Decoder) error {
	variant, err := dec.ReadUint8()
	if err != nil {
		return fmt.Errorf("status variant: %w", err)
	}
	if variant > uint8(StatusCancelled) {
		return fmt.Errorf("status variant %d out of range", variant)
	}
	s.Kind = StatusKind(variant)
	if s.Kind == StatusExecuting {
		return nil
	}
	if err := dec.Decode(&s.Timestamp); err != nil {
		return fmt.Errorf("status timestamp: %w", err)
	}
	return nil
}

// Permissions is a member's capability bitmask.
type Permissions struct {
	Mask uint8
}

const (
	// PermInitiate lets a member create proposals.
	PermInitiate uint8 = 1 << 0
	// PermVote lets a member approve or reject.
	PermVote uint8 = 1 << 1
	// PermExecute lets a member execute approved proposals.
	PermExecute uint8 = 1 << 2
)

// CanExecute reports whether the member may submit vault_transaction_execute.
func (p Permissions) CanExecute() bool { return p.Mask&PermExecute != 0 }

// Member is one keyholder on a multisig.
type Member struct {
	Key         solana.PublicKey
	Permissions Permissions
}

// Multisig is the config account holding the member set and threshold.
type Multisig struct {
	CreateKey             solana.PublicKey
	ConfigAuthority       solana.PublicKey
	Threshold             uint16
	TimeLock              uint32
	TransactionIndex      uint64
	StaleTransactionIndex uint64
	RentCollector         *solana.PublicKey `bin:"optional"`
	Bump                  uint8
	Members               []Member
}

// Proposal is the vote-tally account for one transaction index.
type Proposal struct {
	Multisig         solana.PublicKey
	TransactionIndex uint64
	Status           ProposalStatus
	Bump             uint8
	Approved         []solana.PublicKey
	Rejected         []solana.PublicKey
	Cancelled        []solana.PublicKey
}

// VaultTransaction is the account holding the message a proposal votes on.
type VaultTransaction struct {
	Multisig             solana.PublicKey
	Creator              solana.PublicKey
	Index                uint64
	Bump                 uint8
	VaultIndex           uint8
	VaultBump            uint8
	EphemeralSignerBumps []uint8
	Message              VaultTransactionMessage
}

// VaultTransactionMessage is the compact message format the program stores.
// Unlike wire-format messages its vectors are length-prefixed with single
// bytes, so it cannot be decoded with the generic borsh path.
type VaultTransactionMessage struct {
	NumSigners            uint8
	NumWritableSigners    uint8
	NumWritableNonSigners uint8
	AccountKeys           []solana.PublicKey
	Instructions          []CompiledInstruction
	AddressTableLookups   []AddressTableLookup
}

// CompiledInstruction references accounts by index into the message key list.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	AccountIndexes []uint8
	Data           []byte
}

// AddressTableLookup loads additional accounts from a lookup table.
type AddressTableLookup struct {
	AccountKey      solana.PublicKey
	WritableIndexes []uint8
	ReadonlyIndexes []uint8
}

func (m *VaultTransactionMessage) UnmarshalWithDecoder(dec *bin.Decoder) error {
	var err error
	if m.NumSigners, err = dec.ReadUint8(); err != nil {
		return fmt.Errorf("num signers: %w", err)
	}
	if m.NumWritableSigners, err = dec.ReadUint8(); err != nil {
		return fmt.Errorf("num writable signers: %w", err)
	}
	if m.NumWritableNonSigners, err = dec.ReadUint8(); err != nil {
		return fmt.Errorf("num writable non-signers: %w", err)
	}
	nKeys, err := dec.ReadUint8()
	if err != nil {
		return fmt.Errorf("key count: %w", err)
	}
	m.AccountKeys = make([]solana.PublicKey, nKeys)
	for i := range m.AccountKeys {
		if err := dec.Decode(&m.AccountKeys[i]); err != nil {
			return fmt.Errorf("account key %d: %w", i, err)
		}
	}
	nIxs, err := dec.ReadUint8()
	if err != nil {
		return fmt.Errorf("instruction count: %w", err)
	}
	m.Instructions = make([]CompiledInstruction, nIxs)
	for i := range m.Instructions {
		if err := m.Instructions[i].UnmarshalWithDecoder(dec); err != nil {
			return fmt.Errorf("instruction %d: %w", i, err)
		}
	}
	nLookups, err := dec.ReadUint8()
	if err != nil {
		return fmt.Errorf("lookup count: %w", err)
	}
	m.AddressTableLookups = make([]AddressTableLookup, nLookups)
	for i := range m.AddressTableLookups {
		if err := m.AddressTableLookups[i].UnmarshalWithDecoder(dec); err != nil {
			return fmt.Errorf("lookup %d: %w", i, err)
		}
	}
	return nil
}

func (ci *CompiledInstruction) UnmarshalWithDecoder(dec *bin.Decoder) error {
	var err error
	if ci.ProgramIDIndex, err = dec.ReadUint8(); err != nil {
		return fmt.Errorf("program index: %w", err)
	}
	nAccounts, err := dec.ReadUint8()
	if err != nil {
		return fmt.Errorf("account index count: %w", err)
	}
	if ci.AccountIndexes, err = dec.ReadNBytes(int(nAccounts)); err != nil {
		return fmt.Errorf("account indexes: %w", err)
	}
	var dataLen uint16
	if err := dec.Decode(&dataLen); err != nil {
		return fmt.Errorf("data length: %w", err)
	}
	if ci.Data, err = dec.ReadNBytes(int(dataLen)); err != nil {
		return fmt.Errorf("data: %w", err)
	}
	return nil
}

func (l *AddressTableLookup) UnmarshalWithDecoder(dec *bin.Decoder) error {
	if err := dec.Decode(&l.AccountKey); err != nil {
		return fmt.Errorf("lookup key: %w", err)
	}
	nW, err := dec.ReadUint8()
	if err != nil {
		return fmt.Errorf("writable count: %w", err)
	}
	if l.WritableIndexes, err = dec.ReadNBytes(int(nW)); err != nil {
		return fmt.Errorf("writable indexes: %w", err)
	}
	nR, err := dec.ReadUint8()
	if err != nil {
		return fmt.Errorf("readonly count: %w", err)
	}
	if l.ReadonlyIndexes, err = dec.ReadNBytes(int(nR)); err != nil {
		return fmt.Errorf("readonly indexes: %w", err)
	}
	return nil
}

// DecodeMultisig parses a multisig config account.
func DecodeMultisig(data []byte) (*Multisig, error) {
	body, err := stripDiscriminator(data, discriminatorMultisig, "Multisig")
	if err != nil {
		return nil, err
	}
	var ms Multisig
	if err := bin.NewBorshDecoder(body).Decode(&ms); err != nil {
		return nil, fmt.Errorf("squads: decode multisig: %w", err)
	}
	return &ms, nil
}

// DecodeProposal parses a proposal account.
func DecodeProposal(data []byte) (*Proposal, error) {
	body, err := stripDiscriminator(data, discriminatorProposal, "Proposal")
	if err != nil {
		return nil, err
	}
	var p Proposal
	if err := bin.NewBorshDecoder(body).Decode(&p); err != nil {
		return nil, fmt.Errorf("squads: decode proposal: %w", err)
	}
	return &p, nil
}

// DecodeVaultTransaction parses a vault-transaction account.
func DecodeVaultTransaction(data []byte) (*VaultTransaction, error) {
	body, err := stripDiscriminator(data, discriminatorVaultTransaction, "VaultTransaction")
	if err != nil {
		return nil, err
	}
	var vt VaultTransaction
	if err := bin.NewBorshDecoder(body).Decode(&vt); err != nil {
		return nil, fmt.Errorf("squads: decode vault transaction: %w", err)
	}
	return &vt, nil
}

func stripDiscriminator(data []byte, want [8]byte, name string) ([]byte, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("squads: %s account truncated: %d bytes", name, len(data))
	}
	if !bytes.Equal(data[:8], want[:]) {
		return nil, fmt.Errorf("%w: expected %s", ErrWrongAccountType, name)
	}
	return data[8:], nil
}
