package opentext

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/centerfuze/opentext-service/internal/batch"
	"github.com/centerfuze/opentext-service/internal/cache"
)

// Cache TTLs per key family, in seconds, as deployed.
const (
	accountTTL       = 600
	childAccountsTTL = 300
	faxUsageTTL      = 900
	portingTTL       = 300
	usageTTL         = 600
)

// HealthStatus reports the upstream API health probe outcome.
type HealthStatus struct {
	Status         string    `json:"status"`
	APIStatus      string    `json:"api_status,omitempty"`
	Error          string    `json:"error,omitempty"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	Timestamp      time.Time `json:"timestamp"`
}

// Service implements the OpenText domain operations on top of the
// batch orchestrator: every upstream call goes through cache lookup,
// rate-limit admission, and the global concurrency gate.
type Service struct {
	client *Client
	orch   *batch.Orchestrator
	cache  *cache.Cache // nil when caching is disabled
	logger zerolog.Logger
}

// NewService creates the domain service. The cache is the same
// instance wired into the orchestrator and may be nil.
func NewService(client *Client, orch *batch.Orchestrator, c *cache.Cache, logger zerolog.Logger) *Service {
	return &Service{
		client: client,
		orch:   orch,
		cache:  c,
		logger: logger.With().Str("component", "opentext_service").Logger(),
	}
}

// Account retrieves a single account by ID.
func (s *Service) Account(ctx context.Context, accountID string) (*Account, error) {
	return batch.Fetch(ctx, s.orch, "account:"+accountID, accountTTL, func(ctx context.Context) (*Account, error) {
		var a Account
		if err := s.client.GetJSON(ctx, "/accounts/"+url.PathEscape(accountID), nil, &a); err != nil {
			return nil, err
		}
		return &a, nil
	})
}

// Accounts retrieves many accounts through the batch orchestrator.
// The result slice is positioned 1:1 with accountIDs.
func (s *Service) Accounts(ctx context.Context, accountIDs []string) []batch.Result[*Account] {
	return batch.FetchMany(ctx, s.orch, accountIDs,
		func(id string) string { return "account:" + id },
		accountTTL,
		func(ctx context.Context, id string) (*Account, error) {
			var a Account
			if err := s.client.GetJSON(ctx, "/accounts/"+url.PathEscape(id), nil, &a); err != nil {
				return nil, err
			}
			return &a, nil
		})
}

// ChildAccounts retrieves the children of a parent account.
func (s *Service) ChildAccounts(ctx context.Context, parentID string) ([]Account, error) {
	return batch.Fetch(ctx, s.orch, "child_accounts:"+parentID, childAccountsTTL, func(ctx context.Context) ([]Account, error) {
		var resp struct {
			Accounts []Account `json:"accounts"`
		}
		if err := s.client.GetJSON(ctx, "/accounts/"+url.PathEscape(parentID)+"/children", nil, &resp); err != nil {
			return nil, err
		}
		return resp.Accounts, nil
	})
}

// SyncAccounts fetches the named accounts, optionally following their
// child account references one level deep. Failed items are returned
// as errors alongside the accounts that did resolve.
func (s *Service) SyncAccounts(ctx context.Context, accountIDs []string, includeChildren bool) ([]*Account, []error) {
	var accounts []*Account
	var errs []error

	for _, res := range s.Accounts(ctx, accountIDs) {
		if res.Err != nil {
			errs = append(errs, res.Err)
			continue
		}
		accounts = append(accounts, res.Value)
	}

	if includeChildren {
		seen := make(map[string]bool, len(accountIDs))
		for _, id := range accountIDs {
			seen[id] = true
		}
		var childIDs []string
		for _, a := range accounts {
			for _, childID := range a.ChildAccounts {
				if !seen[childID] {
					seen[childID] = true
					childIDs = append(childIDs, childID)
				}
			}
		}
		for _, res := range s.Accounts(ctx, childIDs) {
			if res.Err != nil {
				errs = append(errs, res.Err)
				continue
			}
			accounts = append(accounts, res.Value)
		}
	}

	s.logger.Info().
		Int("requested", len(accountIDs)).
		Int("resolved", len(accounts)).
		Int("failed", len(errs)).
		Bool("include_children", includeChildren).
		Msg("account sync complete")

	return accounts, errs
}

// UpdateAccount writes an account upstream and invalidates its cache
// entry.
func (s *Service) UpdateAccount(ctx context.Context, account *Account) error {
	account.LastUpdated = time.Now()

	_, err := batch.Fetch(ctx, s.orch, "", 0, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.client.PutJSON(ctx, "/accounts/"+url.PathEscape(account.AccountID), account, nil)
	})
	if err != nil {
		return fmt.Errorf("update account %s: %w", account.AccountID, err)
	}

	s.InvalidateAccount(account.AccountID)
	return nil
}

// InvalidateAccount drops the cached entry for an account, reporting
// whether one was present.
func (s *Service) InvalidateAccount(accountID string) bool {
	if s.cache == nil {
		return false
	}
	return s.cache.Delete("account:" + accountID)
}

// FaxUsage retrieves fax usage for one account over a date range.
func (s *Service) FaxUsage(ctx context.Context, accountID string, start, end time.Time) (*FaxUsage, error) {
	key := fmt.Sprintf("fax_usage:%s:%s:%s", accountID, start.Format(time.RFC3339), end.Format(time.RFC3339))
	return batch.Fetch(ctx, s.orch, key, faxUsageTTL, func(ctx context.Context) (*FaxUsage, error) {
		return s.fetchFaxUsage(ctx, accountID, start, end)
	})
}

// SyncFaxUsage retrieves fax usage for many accounts over one date
// range, positioned 1:1 with accountIDs.
func (s *Service) SyncFaxUsage(ctx context.Context, accountIDs []string, start, end time.Time) []batch.Result[*FaxUsage] {
	return batch.FetchMany(ctx, s.orch, accountIDs,
		func(id string) string {
			return fmt.Sprintf("fax_usage:%s:%s:%s", id, start.Format(time.RFC3339), end.Format(time.RFC3339))
		},
		faxUsageTTL,
		func(ctx context.Context, id string) (*FaxUsage, error) {
			return s.fetchFaxUsage(ctx, id, start, end)
		})
}

func (s *Service) fetchFaxUsage(ctx context.Context, accountID string, start, end time.Time) (*FaxUsage, error) {
	query := url.Values{}
	query.Set("start_date", start.Format(time.RFC3339))
	query.Set("end_date", end.Format(time.RFC3339))

	var usage FaxUsage
	if err := s.client.GetJSON(ctx, "/accounts/"+url.PathEscape(accountID)+"/fax/usage", query, &usage); err != nil {
		return nil, err
	}
	return &usage, nil
}

// PortingStatus retrieves the porting record for a phone number.
func (s *Service) PortingStatus(ctx context.Context, phoneNumber string) (*NumberPorting, error) {
	return batch.Fetch(ctx, s.orch, "porting:"+phoneNumber, portingTTL, func(ctx context.Context) (*NumberPorting, error) {
		var p NumberPorting
		if err := s.client.GetJSON(ctx, "/porting/"+url.PathEscape(phoneNumber), nil, &p); err != nil {
			return nil, err
		}
		return &p, nil
	})
}

// PortingStatuses retrieves porting records for many numbers,
// positioned 1:1 with phoneNumbers.
func (s *Service) PortingStatuses(ctx context.Context, phoneNumbers []string) []batch.Result[*NumberPorting] {
	return batch.FetchMany(ctx, s.orch, phoneNumbers,
		func(number string) string { return "porting:" + number },
		portingTTL,
		func(ctx context.Context, number string) (*NumberPorting, error) {
			var p NumberPorting
			if err := s.client.GetJSON(ctx, "/porting/"+url.PathEscape(number), nil, &p); err != nil {
				return nil, err
			}
			return &p, nil
		})
}

// UpdatePorting writes a porting record upstream and invalidates its
// cache entry.
func (s *Service) UpdatePorting(ctx context.Context, porting *NumberPorting) error {
	_, err := batch.Fetch(ctx, s.orch, "", 0, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.client.PutJSON(ctx, "/porting/"+url.PathEscape(porting.PhoneNumber), porting, nil)
	})
	if err != nil {
		return fmt.Errorf("update porting %s: %w", porting.PhoneNumber, err)
	}

	if s.cache != nil {
		s.cache.Delete("porting:" + porting.PhoneNumber)
	}
	return nil
}

// UsageData retrieves usage records for one account, type, and range.
func (s *Service) UsageData(ctx context.Context, accountID string, usageType UsageType, start, end time.Time) ([]UsageRecord, error) {
	key := fmt.Sprintf("usage:%s:%s:%s:%s", accountID, usageType, start.Format(time.RFC3339), end.Format(time.RFC3339))
	return batch.Fetch(ctx, s.orch, key, usageTTL, func(ctx context.Context) ([]UsageRecord, error) {
		query := url.Values{}
		query.Set("usage_type", string(usageType))
		query.Set("start_date", start.Format(time.RFC3339))
		query.Set("end_date", end.Format(time.RFC3339))

		var resp struct {
			Usage []UsageRecord `json:"usage"`
		}
		if err := s.client.GetJSON(ctx, "/accounts/"+url.PathEscape(accountID)+"/usage", query, &resp); err != nil {
			return nil, err
		}
		return resp.Usage, nil
	})
}

// AggregateUsage collects usage for all accounts through the batch
// orchestrator and aggregates totals with a per-account breakdown.
// Accounts that fail to resolve contribute zero to the aggregate and
// are logged rather than failing the whole call.
func (s *Service) AggregateUsage(ctx context.Context, accountIDs []string, usageType UsageType, start, end time.Time) *UsageAggregation {
	results := batch.FetchMany(ctx, s.orch, accountIDs,
		func(id string) string {
			return fmt.Sprintf("usage:%s:%s:%s:%s", id, usageType, start.Format(time.RFC3339), end.Format(time.RFC3339))
		},
		usageTTL,
		func(ctx context.Context, id string) ([]UsageRecord, error) {
			query := url.Values{}
			query.Set("usage_type", string(usageType))
			query.Set("start_date", start.Format(time.RFC3339))
			query.Set("end_date", end.Format(time.RFC3339))

			var resp struct {
				Usage []UsageRecord `json:"usage"`
			}
			if err := s.client.GetJSON(ctx, "/accounts/"+url.PathEscape(id)+"/usage", query, &resp); err != nil {
				return nil, err
			}
			return resp.Usage, nil
		})

	agg := &UsageAggregation{
		AccountIDs:  accountIDs,
		UsageType:   usageType,
		PeriodStart: start,
		PeriodEnd:   end,
		Breakdown:   make(map[string]AccountUsageSummary, len(accountIDs)),
		CreatedAt:   time.Now(),
	}

	for i, res := range results {
		accountID := accountIDs[i]
		summary := AccountUsageSummary{}
		if res.Err != nil {
			s.logger.Error().Err(res.Err).Str("account_id", accountID).Msg("usage aggregation item failed")
		} else {
			for _, record := range res.Value {
				summary.Quantity += record.Quantity
				summary.Cost += record.Cost
				summary.Count++
			}
		}
		agg.Breakdown[accountID] = summary
		agg.TotalQuantity += summary.Quantity
		agg.TotalCost += summary.Cost
	}

	return agg
}

// Health probes the upstream /health endpoint. The probe is rate
// limited and gated like any other call but never cached.
func (s *Service) Health(ctx context.Context) *HealthStatus {
	start := time.Now()

	resp, err := batch.Fetch(ctx, s.orch, "", 0, func(ctx context.Context) (map[string]any, error) {
		var body map[string]any
		if err := s.client.GetJSON(ctx, "/health", nil, &body); err != nil {
			return nil, err
		}
		return body, nil
	})

	status := &HealthStatus{
		ResponseTimeMS: time.Since(start).Milliseconds(),
		Timestamp:      time.Now(),
	}
	if err != nil {
		status.Status = "unhealthy"
		status.Error = err.Error()
		return status
	}

	status.Status = "healthy"
	if apiStatus, ok := resp["status"].(string); ok {
		status.APIStatus = apiStatus
	} else {
		status.APIStatus = "unknown"
	}
	return status
}

// ClearCache removes cached entries, optionally matching a pattern.
func (s *Service) ClearCache(pattern string) (int, error) {
	if s.cache == nil {
		return 0, nil
	}
	return s.cache.Clear(pattern)
}

// CacheStats reports cache statistics; ok is false when caching is
// disabled.
func (s *Service) CacheStats() (cache.Stats, bool) {
	if s.cache == nil {
		return cache.Stats{}, false
	}
	return s.cache.Stats(), true
}
