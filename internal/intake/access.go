package intake

import (
	"context"

	"github.com/pitabwire/taxintake/model"
)

// Roles allowed to act on any client's case.
const (
	RolePreparer = "preparer"
	RoleAdmin    = "admin"
)

// authorizeCase checks that the caller may act on the case. Clients may only
// reach their own cases; a denied case is reported as not found. Calls
// without a RequestContext come from inside the process and are allowed.
func authorizeCase(ctx context.Context, c model.Case) error {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return nil
	}
	if rctx.HasRole(RolePreparer) || rctx.HasRole(RoleAdmin) {
		return nil
	}
	if rctx.SubjectID != "" && rctx.SubjectID == c.ClientID {
		return nil
	}
	return model.NewCaseNotFoundError(c.ID)
}
