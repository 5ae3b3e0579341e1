package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/decred/slog"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"stakesettle/squads"
)

const (
	readAttempts   = 3
	readRetryPause = 250 * time.Millisecond
	confirmPoll    = 2 * time.Second
)

// RPCClient implements Client against JSON-RPC nodes. Reads and submits may
// use different endpoints so a rate-limited read tier never competes with
// the submit path. Every call carries its own timeout; the context passed to
// Submit additionally bounds confirmation polling.
type RPCClient struct {
	reads      *rpc.Client
	submits    *rpc.Client
	program    solana.PublicKey
	commitment rpc.CommitmentType
	timeout    time.Duration
	log        slog.Logger
}

// NewRPCClient connects the engine to the ledger. submitEndpoint may equal
// readEndpoint; commitment falls back to confirmed when empty.
func NewRPCClient(readEndpoint, submitEndpoint string, program solana.PublicKey, commitment string, timeout time.Duration, log slog.Logger) *RPCClient {
	c := rpc.CommitmentType(commitment)
	if c == "" {
		c = rpc.CommitmentConfirmed
	}
	return &RPCClient{
		reads:      rpc.New(readEndpoint),
		submits:    rpc.New(submitEndpoint),
		program:    program,
		commitment: c,
		timeout:    timeout,
		log:        log,
	}
}

func (c *RPCClient) FetchProposal(ctx context.Context, ref solana.PublicKey) (*ProposalSnapshot, error) {
	var snap *ProposalSnapshot
	err := c.readRetry(ctx, "fetch proposal", func(ctx context.Context) error {
		data, slot, err := c.accountData(ctx, c.reads, ref, "fetch proposal")
		if err != nil {
			return err
		}
		prop, err := squads.DecodeProposal(data)
		if err != nil {
			return fmt.Errorf("ledger: proposal %s: %w", ref, err)
		}
		msData, _, err := c.accountData(ctx, c.reads, prop.Multisig, "fetch multisig config")
		if err != nil {
			return err
		}
		ms, err := squads.DecodeMultisig(msData)
		if err != nil {
			return fmt.Errorf("ledger: multisig %s: %w", prop.Multisig, err)
		}
		snap = &ProposalSnapshot{
			Ref:              ref,
			Multisig:         prop.Multisig,
			TransactionIndex: prop.TransactionIndex,
			Status:           nativeStatus(prop.Status.Kind),
			Approvals:        prop.Approved,
			Rejections:       prop.Rejected,
			Threshold:        int(ms.Threshold),
			Slot:             slot,
			FetchedAt:        time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (c *RPCClient) FetchBundle(ctx context.Context, multisig solana.PublicKey, index uint64) (*BundleSnapshot, error) {
	txAddr, _, err := squads.TransactionPDA(c.program, multisig, index)
	if err != nil {
		return nil, err
	}
	var snap *BundleSnapshot
	err = c.readRetry(ctx, "fetch bundle", func(ctx context.Context) error {
		data, slot, err := c.accountData(ctx, c.reads, txAddr, "fetch bundle")
		if err != nil {
			return err
		}
		vt, err := squads.DecodeVaultTransaction(data)
		if err != nil {
			return fmt.Errorf("ledger: vault transaction %s: %w", txAddr, err)
		}
		transfers, err := vt.Transfers()
		if err != nil {
			return err
		}
		snap = &BundleSnapshot{
			Ref:        txAddr,
			Multisig:   vt.Multisig,
			Index:      vt.Index,
			VaultIndex: vt.VaultIndex,
			Slot:       slot,
		}
		snap.AccountKeys = append(snap.AccountKeys, vt.Message.AccountKeys...)
		for _, tr := range transfers {
			snap.Transfers = append(snap.Transfers, Transfer{To: tr.To, Lamports: tr.Lamports})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (c *RPCClient) FetchVaultState(ctx context.Context, multisig solana.PublicKey) (*VaultState, error) {
	var state *VaultState
	err := c.readRetry(ctx, "fetch vault state", func(ctx context.Context) error {
		data, slot, err := c.accountData(ctx, c.reads, multisig, "fetch vault state")
		if err != nil {
			return err
		}
		ms, err := squads.DecodeMultisig(data)
		if err != nil {
			return fmt.Errorf("ledger: multisig %s: %w", multisig, err)
		}
		state = &VaultState{
			Multisig:         multisig,
			Threshold:        int(ms.Threshold),
			TransactionIndex: ms.TransactionIndex,
			Slot:             slot,
		}
		for _, m := range ms.Members {
			state.Members = append(state.Members, m.Key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (c *RPCClient) Simulate(ctx context.Context, tx *solana.Transaction) (*SimulationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	res, err := c.submits.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		Commitment:             c.commitment,
		ReplaceRecentBlockhash: true,
	})
	if err != nil {
		return nil, classifyRPC("simulate", err)
	}
	out := &SimulationResult{Logs: res.Value.Logs}
	if res.Value.UnitsConsumed != nil {
		out.UnitsConsumed = *res.Value.UnitsConsumed
	}
	if res.Value.Err != nil {
		out.Err = fmt.Sprintf("%v", res.Value.Err)
	} else {
		out.Ok = true
	}
	return out, nil
}

// Submit broadcasts the signed transaction and polls until it reaches the
// client's commitment level. Preflight is skipped: callers simulate first,
// and a duplicate broadcast of an already-landed transaction must not be
// reported as a failure. The context bounds the whole confirmation wait.
func (c *RPCClient) Submit(ctx context.Context, tx *solana.Transaction) (*SubmitReceipt, error) {
	sendCtx, cancel := context.WithTimeout(ctx, c.timeout)
	sig, err := c.submits.SendTransactionWithOpts(sendCtx, tx, rpc.TransactionOpts{
		SkipPreflight:       true,
		PreflightCommitment: c.commitment,
	})
	cancel()
	if err != nil {
		return nil, classifySubmit(err)
	}
	c.log.Debugf("broadcast %s, awaiting %s", sig, c.commitment)

	for {
		st, err := c.signatureStatus(ctx, sig)
		if err != nil && !IsTransient(err) {
			return nil, err
		}
		if st != nil {
			if st.Err != nil {
				return nil, &SubmitRejectedError{Reason: fmt.Sprintf("transaction %s failed on ledger: %v", sig, st.Err)}
			}
			if c.confirmed(st.ConfirmationStatus) {
				return &SubmitReceipt{Signature: sig, Slot: st.Slot, ConfirmedAt: time.Now().UTC()}, nil
			}
		}
		select {
		case <-time.After(confirmPoll):
		case <-ctx.Done():
			return nil, &TransientError{Op: "confirm " + sig.String(), Err: ctx.Err()}
		}
	}
}

func (c *RPCClient) signatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	res, err := c.submits.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, classifyRPC("signature status", err)
	}
	if len(res.Value) == 0 {
		return nil, nil
	}
	return res.Value[0], nil
}

func (c *RPCClient) confirmed(status rpc.ConfirmationStatusType) bool {
	if status == rpc.ConfirmationStatusFinalized {
		return true
	}
	return c.commitment != rpc.CommitmentFinalized && status == rpc.ConfirmationStatusConfirmed
}

func (c *RPCClient) RecentActivity(ctx context.Context, account solana.PublicKey, limit int) ([]ActivityRecord, error) {
	var records []ActivityRecord
	err := c.readRetry(ctx, "recent activity", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		sigs, err := c.reads.GetSignaturesForAddressWithOpts(ctx, account, &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Commitment: c.commitment,
		})
		if err != nil {
			return classifyRPC("recent activity", err)
		}
		records = records[:0]
		for _, s := range sigs {
			rec := ActivityRecord{Signature: s.Signature, Slot: s.Slot, Failed: s.Err != nil}
			if s.BlockTime != nil {
				t := s.BlockTime.Time()
				rec.BlockTime = &t
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (c *RPCClient) ProposalRef(multisig solana.PublicKey, index uint64) (solana.PublicKey, error) {
	ref, _, err := squads.ProposalPDA(c.program, multisig, index)
	return ref, err
}

func (c *RPCClient) TransactionRef(multisig solana.PublicKey, index uint64) (solana.PublicKey, error) {
	ref, _, err := squads.TransactionPDA(c.program, multisig, index)
	return ref, err
}

// BuildExecute loads the stored transaction bundle and assembles the execute
// instruction for it, with member as the executing signer. The read goes
// through the submit-tier endpoint: the execute path must not act on a
// lagging view of the bundle.
func (c *RPCClient) BuildExecute(ctx context.Context, multisig solana.PublicKey, index uint64, member solana.PublicKey) (solana.Instruction, error) {
	txAddr, _, err := squads.TransactionPDA(c.program, multisig, index)
	if err != nil {
		return nil, err
	}
	propAddr, _, err := squads.ProposalPDA(c.program, multisig, index)
	if err != nil {
		return nil, err
	}

	var ix solana.Instruction
	err = c.readRetry(ctx, "build execute", func(ctx context.Context) error {
		data, _, err := c.accountData(ctx, c.submits, txAddr, "build execute")
		if err != nil {
			return err
		}
		vt, err := squads.DecodeVaultTransaction(data)
		if err != nil {
			return fmt.Errorf("ledger: vault transaction %s: %w", txAddr, err)
		}
		ix, err = squads.NewVaultTransactionExecuteInstruction(c.program, multisig, propAddr, txAddr, member, &vt.Message)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ix, nil
}

func (c *RPCClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	var hash solana.Hash
	err := c.readRetry(ctx, "latest blockhash", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		res, err := c.submits.GetLatestBlockhash(ctx, c.commitment)
		if err != nil {
			return classifyRPC("latest blockhash", err)
		}
		hash = res.Value.Blockhash
		return nil
	})
	if err != nil {
		return solana.Hash{}, err
	}
	return hash, nil
}

// accountData fetches raw account bytes with a per-call timeout, mapping a
// missing account to ErrNotFound.
func (c *RPCClient) accountData(ctx context.Context, cl *rpc.Client, addr solana.PublicKey, op string) ([]byte, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	res, err := cl.GetAccountInfoWithOpts(ctx, addr, &rpc.GetAccountInfoOpts{
		Commitment: c.commitment,
		Encoding:   solana.EncodingBase64,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, 0, fmt.Errorf("ledger: %s %s: %w", op, addr, ErrNotFound)
		}
		return nil, 0, classifyRPC(op, err)
	}
	if res.Value == nil {
		return nil, 0, fmt.Errorf("ledger: %s %s: %w", op, addr, ErrNotFound)
	}
	return res.Value.Data.GetBinary(), res.RPCContext.Context.Slot, nil
}

// readRetry runs fn, retrying a small number of times on transient failures.
// Deeper retry policy (grace windows, attempt budgets) belongs to the
// reconciler and coordinator, not the transport.
func (c *RPCClient) readRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < readAttempts; attempt++ {
		if attempt > 0 {
			c.log.Debugf("retrying %s after transient failure: %v", op, err)
			select {
			case <-time.After(readRetryPause << (attempt - 1)):
			case <-ctx.Done():
				return &TransientError{Op: op, Err: ctx.Err()}
			}
		}
		if err = fn(ctx); err == nil || !IsTransient(err) {
			return err
		}
	}
	return err
}

func nativeStatus(kind squads.StatusKind) NativeStatus {
	switch kind {
	case squads.StatusDraft:
		return NativeDraft
	case squads.StatusActive:
		return NativeActive
	case squads.StatusApproved:
		return NativeApproved
	case squads.StatusExecuting:
		return NativeExecuting
	case squads.StatusExecuted:
		return NativeExecuted
	case squads.StatusRejected:
		return NativeRejected
	case squads.StatusCancelled:
		return NativeCancelled
	default:
		return NativeStatus(kind.String())
	}
}

// classifyRPC sorts a read-side failure into transient or permanent.
// Node throttling and sync lag get retried; everything else surfaces.
func classifyRPC(op string, err error) error {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case -32004, -32005, -32014, 429:
			return &TransientError{Op: op, Err: err}
		}
		return fmt.Errorf("ledger: %s: %w", op, err)
	}
	return &TransientError{Op: op, Err: err}
}

// classifySubmit sorts a broadcast failure. A node that rejects the
// transaction body is a construction problem; transport trouble is
// transient and charged against the caller's attempt budget.
func classifySubmit(err error) error {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case -32002, -32003:
			return &SubmitRejectedError{Reason: rpcErr.Message, Logs: submitLogs(rpcErr)}
		case -32004, -32005, -32014, 429:
			return &TransientError{Op: "submit", Err: err}
		}
		return fmt.Errorf("ledger: submit: %w", err)
	}
	return &TransientError{Op: "submit", Err: err}
}

func submitLogs(rpcErr *jsonrpc.RPCError) []string {
	data, ok := rpcErr.Data.(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := data["logs"].([]interface{})
	if !ok {
		return nil
	}
	logs := make([]string, 0, len(raw))
	for _, l := range raw {
		if s, ok := l.(string); ok {
			logs = append(logs, s)
		}
	}
	return logs
}
