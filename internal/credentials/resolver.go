package credentials

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/parallaxlabs/relay/pkg/models"

	"github.com/parallaxlabs/relay/internal/observability"
)

// Resolver applies the tiered credential fallback policy over a Store.
type Resolver struct {
	store   Store
	metrics *observability.Metrics
	logger  *slog.Logger

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewResolver creates a resolver. Metrics and logger may be nil.
func NewResolver(store Store, metrics *observability.Metrics, logger *slog.Logger) *Resolver {
	if metrics == nil {
		metrics = observability.Nop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:   store,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Resolve returns a usable credential for the app, trying each tier in
// strict order, every tier additionally requiring invalid=false:
//
//  1. Explicit credentialID, scoped to the app and owned by the user or team.
//  2. The user's current-profile credential for the app.
//  3. The team's default-profile credential for the app.
//  4. The user's most recently updated valid credential for the app.
//  5. The team's most recently updated valid credential for the app.
//
// No match fails with a MissingError naming the app and attempted
// scope. Failures are counted in telemetry before being returned.
func (r *Resolver) Resolve(ctx context.Context, userID, teamID, appID, credentialID string) (*models.Credential, error) {
	if credentialID != "" {
		cred, err := r.store.Get(ctx, credentialID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if cred != nil && cred.AppID == appID && cred.OwnedBy(userID, teamID) && !cred.Invalid {
			return cred, nil
		}
		// A stale explicit override falls through to the policy tiers.
	}

	if userID != "" {
		userCreds, err := r.store.ListForUser(ctx, userID, appID)
		if err != nil {
			return nil, err
		}
		for _, cred := range userCreds {
			if cred.IsUserCurrentProfile && !cred.Invalid {
				return cred, nil
			}
		}
		if teamCred := r.teamProfile(ctx, teamID, appID); teamCred != nil {
			return teamCred, nil
		}
		for _, cred := range userCreds {
			if !cred.Invalid {
				return cred, nil
			}
		}
	} else if teamCred := r.teamProfile(ctx, teamID, appID); teamCred != nil {
		return teamCred, nil
	}

	if teamID != "" {
		teamCreds, err := r.store.ListForTeam(ctx, teamID, appID)
		if err != nil {
			return nil, err
		}
		for _, cred := range teamCreds {
			if !cred.Invalid {
				return cred, nil
			}
		}
	}

	r.metrics.CredentialErrors.WithLabelValues(CodeMissing, appID).Inc()
	r.logger.Warn("credential resolution failed",
		"app_id", appID, "user_id", userID, "team_id", teamID)
	return nil, &MissingError{AppID: appID, UserID: userID, TeamID: teamID}
}

func (r *Resolver) teamProfile(ctx context.Context, teamID, appID string) *models.Credential {
	if teamID == "" {
		return nil
	}
	teamCreds, err := r.store.ListForTeam(ctx, teamID, appID)
	if err != nil {
		return nil
	}
	for _, cred := range teamCreds {
		if cred.IsTeamDefaultProfile && !cred.Invalid {
			return cred
		}
	}
	return nil
}

// Validate reports whether the credential is currently usable: present,
// not flagged invalid, and not past its token expiry. Expiry discovered
// here is recorded by lazily marking the credential invalid.
func (r *Resolver) Validate(ctx context.Context, id string) bool {
	cred, err := r.store.Get(ctx, id)
	if err != nil || cred == nil {
		return false
	}
	if cred.Invalid {
		return false
	}
	if cred.Expired(r.now()) {
		if err := r.store.MarkInvalid(ctx, id, "token expired"); err != nil {
			r.logger.Warn("failed to mark expired credential invalid", "credential_id", id, "error", err)
		}
		r.metrics.CredentialErrors.WithLabelValues(CodeInvalid, cred.AppID).Inc()
		return false
	}
	return true
}

// MarkInvalid flags a credential invalid, typically after a 401/403
// from a vendor call. Idempotent.
func (r *Resolver) MarkInvalid(ctx context.Context, id, reason string) error {
	cred, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if !cred.Invalid {
		r.metrics.CredentialErrors.WithLabelValues(CodeInvalid, cred.AppID).Inc()
	}
	return r.store.MarkInvalid(ctx, id, reason)
}
