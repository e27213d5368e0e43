package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/centerfuze/opentext-service/internal/opentext"
)

func (c *Controller) handleAccountGet(ctx context.Context, logger zerolog.Logger, data []byte) (any, error) {
	var req struct {
		AccountID       string `json:"account_id"`
		IncludeChildren bool   `json:"include_children"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON in request")
	}

	logger.Info().Str("account_id", req.AccountID).Msg("account get requested")

	account, err := c.svc.Account(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("account %s not found: %w", req.AccountID, err)
	}

	resp := map[string]any{"account": account}
	if req.IncludeChildren {
		children, err := c.svc.ChildAccounts(ctx, req.AccountID)
		if err != nil {
			logger.Error().Err(err).Str("account_id", req.AccountID).Msg("failed to fetch child accounts")
		} else {
			resp["child_accounts"] = children
		}
	}
	return resp, nil
}

func (c *Controller) handleAccountSync(ctx context.Context, logger zerolog.Logger, data []byte) (any, error) {
	var req struct {
		AccountIDs      []string `json:"account_ids"`
		IncludeChildren *bool    `json:"include_children"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON in request")
	}
	includeChildren := req.IncludeChildren == nil || *req.IncludeChildren

	logger.Info().Int("account_count", len(req.AccountIDs)).Msg("account sync requested")

	accounts, errs := c.svc.SyncAccounts(ctx, req.AccountIDs, includeChildren)
	for _, err := range errs {
		logger.Error().Err(err).Msg("error in batch account retrieval")
	}

	return map[string]any{
		"accounts":         accounts,
		"total_count":      len(accounts),
		"include_children": includeChildren,
	}, nil
}

func (c *Controller) handleFaxUsageGet(ctx context.Context, logger zerolog.Logger, data []byte) (any, error) {
	var req struct {
		AccountID string `json:"account_id"`
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON in request")
	}
	start, err := parseDate(req.StartDate)
	if err != nil {
		return nil, err
	}
	end, err := parseDate(req.EndDate)
	if err != nil {
		return nil, err
	}

	logger.Info().Str("account_id", req.AccountID).Msg("fax usage get requested")

	usage, err := c.svc.FaxUsage(ctx, req.AccountID, start, end)
	if err != nil {
		return nil, fmt.Errorf("fax usage not found for account %s: %w", req.AccountID, err)
	}
	return map[string]any{"fax_usage": usage}, nil
}

func (c *Controller) handleFaxUsageSync(ctx context.Context, logger zerolog.Logger, data []byte) (any, error) {
	var req struct {
		AccountIDs []string `json:"account_ids"`
		StartDate  string   `json:"start_date"`
		EndDate    string   `json:"end_date"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON in request")
	}
	start, err := parseDate(req.StartDate)
	if err != nil {
		return nil, err
	}
	end, err := parseDate(req.EndDate)
	if err != nil {
		return nil, err
	}

	logger.Info().Int("account_count", len(req.AccountIDs)).Msg("fax usage sync requested")

	records := make([]*opentext.FaxUsage, 0, len(req.AccountIDs))
	for _, res := range c.svc.SyncFaxUsage(ctx, req.AccountIDs, start, end) {
		if res.Err != nil {
			logger.Error().Err(res.Err).Msg("error in batch fax usage sync")
			continue
		}
		records = append(records, res.Value)
	}

	return map[string]any{
		"fax_usage_records": records,
		"total_count":       len(records),
	}, nil
}

func (c *Controller) handlePortingStatus(ctx context.Context, logger zerolog.Logger, data []byte) (any, error) {
	var req struct {
		PhoneNumber  string   `json:"phone_number"`
		PhoneNumbers []string `json:"phone_numbers"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON in request")
	}

	numbers := req.PhoneNumbers
	if req.PhoneNumber != "" {
		numbers = []string{req.PhoneNumber}
	}
	if len(numbers) == 0 {
		return nil, fmt.Errorf("phone_numbers or phone_number is required")
	}

	logger.Info().Int("number_count", len(numbers)).Msg("porting status requested")

	records := make([]*opentext.NumberPorting, 0, len(numbers))
	for _, res := range c.svc.PortingStatuses(ctx, numbers) {
		if res.Err != nil {
			logger.Error().Err(res.Err).Msg("error in batch porting status check")
			continue
		}
		records = append(records, res.Value)
	}

	if req.PhoneNumber != "" && len(records) == 1 {
		return map[string]any{"porting": records[0]}, nil
	}
	return map[string]any{
		"porting_records": records,
		"total_count":     len(records),
	}, nil
}

func (c *Controller) handlePortingUpdate(ctx context.Context, logger zerolog.Logger, data []byte) (any, error) {
	var req struct {
		PhoneNumber    string  `json:"phone_number"`
		Status         string  `json:"status"`
		Notes          *string `json:"notes"`
		CompletionDate string  `json:"completion_date"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON in request")
	}

	status, err := opentext.ParsePortingStatus(req.Status)
	if err != nil {
		return nil, err
	}

	logger.Info().Str("phone_number", req.PhoneNumber).Str("status", req.Status).Msg("porting update requested")

	porting, err := c.svc.PortingStatus(ctx, req.PhoneNumber)
	if err != nil {
		return nil, fmt.Errorf("porting record not found for %s: %w", req.PhoneNumber, err)
	}

	porting.Status = status
	if req.Notes != nil {
		porting.Notes = *req.Notes
	}
	if req.CompletionDate != "" {
		completed, err := parseDate(req.CompletionDate)
		if err != nil {
			return nil, err
		}
		porting.CompletionDate = &completed
	}

	if err := c.svc.UpdatePorting(ctx, porting); err != nil {
		return nil, fmt.Errorf("failed to update porting status: %w", err)
	}
	return map[string]any{"porting": porting}, nil
}

func (c *Controller) handleUsageAggregate(ctx context.Context, logger zerolog.Logger, data []byte) (any, error) {
	var req struct {
		AccountIDs []string `json:"account_ids"`
		UsageType  string   `json:"usage_type"`
		StartDate  string   `json:"start_date"`
		EndDate    string   `json:"end_date"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON in request")
	}

	usageType, err := opentext.ParseUsageType(req.UsageType)
	if err != nil {
		return nil, err
	}
	start, err := parseDate(req.StartDate)
	if err != nil {
		return nil, err
	}
	end, err := parseDate(req.EndDate)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Int("account_count", len(req.AccountIDs)).
		Str("usage_type", req.UsageType).
		Msg("usage aggregation requested")

	aggregation := c.svc.AggregateUsage(ctx, req.AccountIDs, usageType, start, end)

	logger.Info().Float64("total_quantity", aggregation.TotalQuantity).Msg("usage aggregation completed")

	return map[string]any{"aggregation": aggregation}, nil
}

func (c *Controller) handleHealthCheck(ctx context.Context, logger zerolog.Logger, data []byte) (any, error) {
	logger.Info().Msg("health check requested")

	resp := map[string]any{
		"service":              "centerfuze-opentext-service",
		"upstream":             c.svc.Health(ctx),
		"nats_connected":       c.nc != nil && c.nc.IsConnected(),
		"active_subscriptions": len(c.subs),
	}
	if c.cache != nil {
		resp["cache"] = c.cache.Stats()
	}
	if c.limiter != nil {
		resp["rate_limiter"] = c.limiter.Stats()
	}
	return resp, nil
}
