package squads

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var executeDiscriminator = anchorInstructionDiscriminator("vault_transaction_execute")

// systemTransferIndex is the instruction discriminant of SystemProgram::Transfer.
const systemTransferIndex uint32 = 2

// ErrLookupTablesUnsupported is returned when a vault transaction resolves
// accounts through address lookup tables. Settlement bundles are built from
// static keys only, so a lookup table on a tracked proposal means the bundle
// was not produced by this system.
var ErrLookupTablesUnsupported = errors.New("squads: address table lookups unsupported")

// Transfer is one system-program lamport movement inside a vault transaction.
type Transfer struct {
	From     solana.PublicKey
	To       solana.PublicKey
	Lamports uint64
}

// Transfers extracts the system-program transfers from the stored message.
// Instructions routed to any other program are ignored; verification of the
// disbursement set against the expected payout happens in the reconciler.
func (vt *VaultTransaction) Transfers() ([]Transfer, error) {
	keys := vt.Message.AccountKeys
	var out []Transfer
	for i, ix := range vt.Message.Instructions {
		if int(ix.ProgramIDIndex) >= len(keys) {
			return nil, fmt.Errorf("squads: instruction %d: program index %d out of range", i, ix.ProgramIDIndex)
		}
		if !keys[ix.ProgramIDIndex].Equals(solana.SystemProgramID) {
			continue
		}
		if len(ix.Data) < 12 || binary.LittleEndian.Uint32(ix.Data[:4]) != systemTransferIndex {
			continue
		}
		if len(ix.AccountIndexes) < 2 {
			return nil, fmt.Errorf("squads: instruction %d: transfer with %d accounts", i, len(ix.AccountIndexes))
		}
		fromIdx, toIdx := ix.AccountIndexes[0], ix.AccountIndexes[1]
		if int(fromIdx) >= len(keys) || int(toIdx) >= len(keys) {
			return nil, fmt.Errorf("squads: instruction %d: account index out of range", i)
		}
		out = append(out, Transfer{
			From:     keys[fromIdx],
			To:       keys[toIdx],
			Lamports: binary.LittleEndian.Uint64(ix.Data[4:12]),
		})
	}
	return out, nil
}

// isWritable reports whether position i in the message key list is writable
// under the static-keys layout: writable signers first, then readonly
// signers, then writable non-signers, then readonly non-signers.
func (m *VaultTransactionMessage) isWritable(i int) bool {
	if i < int(m.NumWritableSigners) {
		return true
	}
	if i < int(m.NumSigners) {
		return false
	}
	return i-int(m.NumSigners) < int(m.NumWritableNonSigners)
}

// NewVaultTransactionExecuteInstruction builds the execute call for an
// approved proposal. The account list is the fixed anchor head (multisig,
// proposal, transaction, executing member) followed by every key of the
// stored message with its original writability, so the program can replay
// the inner instructions.
func NewVaultTransactionExecuteInstruction(
	program solana.PublicKey,
	multisig solana.PublicKey,
	proposal solana.PublicKey,
	transaction solana.PublicKey,
	member solana.PublicKey,
	msg *VaultTransactionMessage,
) (solana.Instruction, error) {
	if len(msg.AddressTableLookups) > 0 {
		return nil, ErrLookupTablesUnsupported
	}
	accounts := solana.AccountMetaSlice{
		solana.Meta(multisig),
		solana.Meta(proposal).WRITE(),
		solana.Meta(transaction),
		solana.Meta(member).SIGNER(),
	}
	for i, key := range msg.AccountKeys {
		meta := solana.Meta(key)
		if msg.isWritable(i) {
			meta = meta.WRITE()
		}
		accounts = append(accounts, meta)
	}
	return solana.NewInstruction(program, accounts, executeDiscriminator[:]), nil
}
