package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"milestonescrow/native/escrow"
	"milestonescrow/services/escrowd/registry"
)

const maxBodyBytes = 1 << 20

type createRequest struct {
	Client         string `json:"client"`
	Freelancer     string `json:"freelancer"`
	Price          string `json:"price"`
	MilestoneCount uint32 `json:"milestoneCount"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	Reference      string `json:"reference"`
}

func (c createRequest) toRegistry() (registry.CreateRequest, error) {
	price, err := parseAmount("price", c.Price)
	if err != nil {
		return registry.CreateRequest{}, err
	}
	return registry.CreateRequest{
		Client:         strings.TrimSpace(c.Client),
		Freelancer:     strings.TrimSpace(c.Freelancer),
		Price:          price,
		MilestoneCount: c.MilestoneCount,
		Title:          c.Title,
		Description:    c.Description,
		Reference:      c.Reference,
	}, nil
}

type stakeRequest struct {
	Amount string `json:"amount"`
}

func decodeBody(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseAmount accepts a base-10 unsigned integer string.
func parseAmount(field, raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", field)
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a base-10 unsigned integer", field)
	}
	return value, nil
}

func parseListFilter(query url.Values) (registry.ListFilter, error) {
	filter := registry.ListFilter{Party: strings.TrimSpace(query.Get("party"))}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, err := escrow.ParseStatus(raw)
		if err != nil {
			return filter, err
		}
		filter.Status = &status
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, fmt.Errorf("limit must be a non-negative integer")
		}
		filter.Limit = limit
	}
	if filter.Limit == 0 || filter.Limit > 500 {
		filter.Limit = 500
	}
	return filter, nil
}
