// Copyright (C) 2024 Uploadgate, Inc.
// See LICENSE for copying information.

package gatewaydb

import (
	"context"
	"time"

	"storj.io/private/tagsql"

	"github.com/uploadgate/uploadgate/gateway/admission"
)

// quotasDB implements admission.QuotaDB. A tenant's monthly limit is the
// sum of its api keys' quotas; usage comes from the provider_usage row
// the rollup maintains for the current month.
//
// architecture: Database
type quotasDB struct {
	db tagsql.DB
}

// MonthlyQuota returns the tenant's current month usage and limit.
func (db *quotasDB) MonthlyQuota(ctx context.Context, tenantID string) (_ admission.Quota, err error) {
	defer mon.Task()(&ctx)(&err)

	month := time.Now().UTC().Format("2006-01")

	var quota admission.Quota
	err = db.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT sum(monthly_quota) FROM api_keys WHERE tenant_id = $1), 0),
			COALESCE((SELECT used FROM provider_usage WHERE tenant_id = $1 AND month = $2), 0)`,
		tenantID, month,
	).Scan(&quota.Limit, &quota.Used)
	if err != nil {
		return admission.Quota{}, Error.Wrap(err)
	}
	return quota, nil
}
