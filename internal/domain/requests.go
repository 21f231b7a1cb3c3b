package domain

import (
	"fmt"
	"time"
)

// DispatchRequest is the entry point payload: one job is created per zone.
type DispatchRequest struct {
	DispatchMonth string   `json:"dispatch_month" validate:"required,yyyymm"`
	Zones         []string `json:"zones" validate:"required,min=1,dive,required,max=32"`
}

type DispatchResponse struct {
	Success bool     `json:"success"`
	JobIDs  []string `json:"job_ids"`
	Zones   []string `json:"zones"`
	Message string   `json:"message"`
}

type RegisterFileRequest struct {
	Kind       FileKind `json:"kind" validate:"required,oneof=REGISTRY AGGREGATED_LIGHTING LIGHTING_DETAIL READINGS"`
	ZoneCode   string   `json:"zone_code" validate:"omitempty,max=32"`
	Name       string   `json:"name" validate:"required"`
	StorageRef string   `json:"storage_ref" validate:"required"`
}

const monthLayout = "2006-01"

// HistoricalMonth returns the same calendar month one year earlier, e.g. 2024-05 -> 2023-05.
func HistoricalMonth(dispatchMonth string) (string, error) {
	t, err := time.Parse(monthLayout, dispatchMonth)
	if err != nil {
		return "", fmt.Errorf("invalid dispatch month %q: %w", dispatchMonth, err)
	}
	return t.AddDate(-1, 0, 0).Format(monthLayout), nil
}

// ValidMonth reports whether s is a YYYY-MM month.
func ValidMonth(s string) bool {
	if len(s) != len(monthLayout) {
		return false
	}
	_, err := time.Parse(monthLayout, s)
	return err == nil
}
