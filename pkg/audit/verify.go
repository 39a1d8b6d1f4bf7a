package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/storage"
	"github.com/polisai/polis-governance/pkg/telemetry"
)

// ChainIntegrityViolation reports the first event whose chain fields do not match
// the recomputed chain. It is fatal and never repaired automatically.
type ChainIntegrityViolation struct {
	Sequence uint64
	Field    string
	Expected string
	Actual   string
}

func (v *ChainIntegrityViolation) Error() string {
	return fmt.Sprintf("audit chain broken at sequence %d: %s expected %s, found %s", v.Sequence, v.Field, v.Expected, v.Actual)
}

// Is matches domain.ErrChainIntegrity.
func (v *ChainIntegrityViolation) Is(target error) bool {
	return target == domain.ErrChainIntegrity
}

// VerifyResult summarises a successful verification.
type VerifyResult struct {
	Events   uint64
	HeadHash string
}

// Verify recomputes the whole chain held by store. A mismatch is logged at error
// level, counted, and returned as *ChainIntegrityViolation.
func Verify(ctx context.Context, store storage.AuditStore, alg Algorithm, logger *slog.Logger) (VerifyResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	result := VerifyResult{HeadHash: Genesis}

	errStop := errors.New("stop")
	var violation *ChainIntegrityViolation
	err := store.Range(ctx, 1, func(event domain.AuditEvent) error {
		want := result.Events + 1
		switch {
		case event.Sequence != want:
			violation = &ChainIntegrityViolation{Sequence: want, Field: "sequence", Expected: fmt.Sprint(want), Actual: fmt.Sprint(event.Sequence)}
		case event.PrevHash != result.HeadHash:
			violation = &ChainIntegrityViolation{Sequence: want, Field: "prev_hash", Expected: result.HeadHash, Actual: event.PrevHash}
		default:
			digest, err := ComputeHash(alg, event, result.HeadHash)
			if err != nil {
				return fmt.Errorf("recompute sequence %d: %w", event.Sequence, err)
			}
			if digest != event.Hash {
				violation = &ChainIntegrityViolation{Sequence: want, Field: "hash", Expected: digest, Actual: event.Hash}
			}
		}
		if violation != nil {
			return errStop
		}
		result.Events = want
		result.HeadHash = event.Hash
		return nil
	})

	if violation != nil {
		telemetry.RecordChainIntegrityFailure(ctx, violation.Sequence)
		logger.Error("audit chain integrity violation",
			"sequence", violation.Sequence,
			"field", violation.Field,
			"expected", violation.Expected,
			"actual", violation.Actual,
		)
		return result, violation
	}
	if err != nil {
		return result, fmt.Errorf("audit: verify chain: %w", err)
	}
	return result, nil
}
