package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/decred/slog"
	"github.com/golang-jwt/jwt/v5"

	"stakesettle/proposal"
)

// TrackService is the intake half of the proposal package.
type TrackService interface {
	Track(ctx context.Context, req proposal.TrackRequest) (proposal.Record, error)
}

// ProposalHook is the upstream notification that a settlement proposal was
// created on the ledger for a resolved match. EventID doubles as the
// idempotency key, so redelivery is safe.
type ProposalHook struct {
	EventID          string `json:"event_id"`
	MatchID          string `json:"match_id"`
	Multisig         string `json:"multisig"`
	ProposalRef      string `json:"proposal_ref"`
	TransactionIndex uint64 `json:"transaction_index"`
	Kind             string `json:"kind"`
}

// SignatureHook announces a new approval landed on a tracked proposal. It
// only schedules work; the reconciler re-reads the ledger for the truth.
type SignatureHook struct {
	EventID string `json:"event_id"`
	MatchID string `json:"match_id"`
	Signer  string `json:"signer"`
}

// Trigger is the webhook surface. All hook routes require a bearer token
// signed with the shared secret.
type Trigger struct {
	svc     TrackService
	sweeper *Sweeper
	secret  []byte
	log     slog.Logger
}

func NewTrigger(svc TrackService, sweeper *Sweeper, secret string, log slog.Logger) *Trigger {
	if log == nil {
		log = slog.Disabled
	}
	return &Trigger{
		svc:     svc,
		sweeper: sweeper,
		secret:  []byte(secret),
		log:     log,
	}
}

// Routes mounts the hook endpoints on a fresh mux.
func (t *Trigger) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/hooks/proposal", t.authorize(t.handleProposal))
	mux.HandleFunc("/hooks/signature", t.authorize(t.handleSignature))
	mux.HandleFunc("/healthz", t.handleHealth)
	return mux
}

func (t *Trigger) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (t *Trigger) handleProposal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var hook ProposalHook
	if err := json.NewDecoder(r.Body).Decode(&hook); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	kind := proposal.Kind(strings.ToUpper(hook.Kind))
	if kind != proposal.KindPayout && kind != proposal.KindRefund {
		http.Error(w, "kind must be PAYOUT or REFUND", http.StatusBadRequest)
		return
	}

	rec, err := t.svc.Track(r.Context(), proposal.TrackRequest{
		MatchID:          hook.MatchID,
		Multisig:         hook.Multisig,
		ProposalRef:      hook.ProposalRef,
		TransactionIndex: hook.TransactionIndex,
		Kind:             kind,
		IdempotencyKey:   hook.EventID,
	})
	switch {
	case errors.Is(err, proposal.ErrOpenProposalExists):
		http.Error(w, "open proposal already tracked for match", http.StatusConflict)
		return
	case err != nil:
		t.log.Errorf("hook: track proposal for match %s: %v", hook.MatchID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	t.sweeper.Kick()

	if rec.ID == "" {
		// Replayed event id; the original delivery already tracked it.
		writeJSON(w, http.StatusOK, map[string]any{"replayed": true})
		return
	}
	t.log.Infof("hook: tracking proposal %s for match %s", rec.ID, rec.MatchID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"proposal_id": rec.ID,
		"status":      rec.Status,
	})
}

func (t *Trigger) handleSignature(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var hook SignatureHook
	if err := json.NewDecoder(r.Body).Decode(&hook); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if hook.MatchID == "" {
		http.Error(w, "match_id required", http.StatusBadRequest)
		return
	}

	// Ack fast; the settle attempt runs detached and is bounded by the
	// coordinator's own retry budget.
	go func(ctx context.Context) {
		out, err := t.sweeper.SettleMatch(ctx, hook.MatchID)
		if err != nil {
			t.log.Errorf("hook: settle match %s: %v", hook.MatchID, err)
			return
		}
		t.log.Infof("hook: match %s after signature event: %s", hook.MatchID, out.Result)
	}(context.WithoutCancel(r.Context()))

	writeJSON(w, http.StatusAccepted, map[string]any{
		"match_id": hook.MatchID,
		"status":   "scheduled",
	})
}

func (t *Trigger) authorize(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if err := t.verify(token); err != nil {
			t.log.Warnf("hook: rejected token from %s: %v", r.RemoteAddr, err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (t *Trigger) verify(tokenString string) error {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("sweep: parse hook token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("sweep: invalid hook token")
	}
	return nil
}

// MintHookToken signs a short-lived bearer token for the hook routes. The
// upstream caller holds the same secret; this helper exists for operator
// tooling and tests.
func MintHookToken(secret string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"iss": "stakesettle",
		"exp": time.Now().Add(ttl).Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sweep: sign hook token: %w", err)
	}
	return signed, nil
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
