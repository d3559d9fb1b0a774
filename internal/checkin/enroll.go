package checkin

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/checkpoint/internal/capture"
	"github.com/andresmejia3/checkpoint/internal/types"
)

var ErrInvalidPersonID = errors.New("person id must not be empty")

// Enroll captures a stable sample from src and stores it under personID,
// overwriting any earlier enrollment. When passengerID is non-zero the
// passenger is linked to the record; a failed link restores the previous
// record, or removes the new one if there was none.
func (o *Orchestrator) Enroll(ctx context.Context, personID string, passengerID int64, src capture.FrameSource) (types.IdentityVector, error) {
	if personID == "" {
		return types.IdentityVector{}, ErrInvalidPersonID
	}
	start := o.now()
	session := capture.NewSession(o.codec, o.cfg.Capture,
		capture.WithLogger(o.logger.With("person_id", personID)),
		capture.WithProgress(o.onProgress),
	)
	vec, err := session.Run(ctx, src, o.cfg.SessionTimeout)
	if err != nil {
		return types.IdentityVector{}, fmt.Errorf("capture: %w", err)
	}
	o.metrics.ObserveCapture(o.now().Sub(start))

	return vec, o.save(ctx, personID, passengerID, vec)
}

// EnrollStill enrolls from a single image instead of a live feed. Stability
// checks are skipped; face selection follows the codec's mode.
func (o *Orchestrator) EnrollStill(ctx context.Context, personID string, passengerID int64, frame types.Frame) (types.IdentityVector, error) {
	if personID == "" {
		return types.IdentityVector{}, ErrInvalidPersonID
	}
	region, err := o.codec.Detect(frame)
	if err != nil {
		return types.IdentityVector{}, err
	}
	vec, err := o.codec.Encode(frame, region)
	if err != nil {
		return types.IdentityVector{}, err
	}
	return vec, o.save(ctx, personID, passengerID, vec)
}

func (o *Orchestrator) save(ctx context.Context, personID string, passengerID int64, vec types.IdentityVector) error {
	prior, err := o.vault.Load(personID)
	hadPrior := err == nil
	if err := o.vault.Save(personID, vec); err != nil {
		return fmt.Errorf("save enrollment: %w", err)
	}
	if passengerID != 0 {
		if o.tickets == nil {
			o.restore(personID, prior, hadPrior)
			return ErrNotConfigured
		}
		if err := o.tickets.SetFaceRef(ctx, passengerID, personID); err != nil {
			o.restore(personID, prior, hadPrior)
			return fmt.Errorf("link passenger %d: %w", passengerID, err)
		}
	}

	o.audit.Event(ctx, types.EventEnroll, "", personID, "ok", fmt.Sprintf("dim=%d passenger=%d", vec.Dim(), passengerID))
	o.logger.Info("enrolled", "person_id", personID, "passenger_id", passengerID, "dim", vec.Dim())
	return nil
}

// restore puts back the record that existed before a failed enrollment, or
// removes the new one when there was none.
func (o *Orchestrator) restore(personID string, prior types.IdentityVector, hadPrior bool) {
	var err error
	if hadPrior {
		err = o.vault.Save(personID, prior)
	} else {
		err = o.vault.Delete(personID)
	}
	if err != nil {
		o.logger.Error("rollback of enrollment failed", "person_id", personID, "restore_prior", hadPrior, "error", err)
	}
}

// Forget deletes the enrollment record and unlinks any passenger. Forgetting
// an unknown person is not an error.
func (o *Orchestrator) Forget(ctx context.Context, personID string) error {
	if personID == "" {
		return ErrInvalidPersonID
	}
	if err := o.vault.Delete(personID); err != nil {
		return fmt.Errorf("delete enrollment: %w", err)
	}
	if o.tickets != nil {
		if err := o.tickets.ClearFaceRef(ctx, personID); err != nil {
			return fmt.Errorf("unlink passenger: %w", err)
		}
	}
	o.audit.Event(ctx, types.EventForget, "", personID, "ok", "")
	o.logger.Info("enrollment forgotten", "person_id", personID)
	return nil
}
