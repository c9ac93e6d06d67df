package main

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/vogiaan1904/actpresence/internal/models"
)

// parseSet splits a "set <field> <value>" line. The value keeps its inner
// spacing.
func parseSet(line string) (field, value string, err error) {
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "set"))
	field, value, ok := strings.Cut(rest, " ")
	value = strings.TrimSpace(value)
	if !ok || field == "" || value == "" {
		return "", "", errors.New("usage: set <field> <value>")
	}
	return field, value, nil
}

// setField records one "set <field> <value>" edit on patch.
func setField(patch *models.ActPatch, field, value string) error {
	switch strings.ToLower(field) {
	case "client":
		patch.ClientName = &value
	case "plate":
		v := strings.ToUpper(strings.TrimSpace(value))
		patch.CarPlate = &v
	case "description", "desc":
		patch.Description = &value
	case "mileage":
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("mileage must be a non-negative integer, got %q", value)
		}
		patch.Mileage = &n
	case "total":
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || f < 0 {
			return fmt.Errorf("total must be a non-negative amount, got %q", value)
		}
		cents := int64(math.Round(f * 100))
		patch.TotalCents = &cents
	case "status":
		s := models.ActStatus(strings.TrimSpace(value))
		switch s {
		case models.ActStatusDraft, models.ActStatusInWork, models.ActStatusDone, models.ActStatusArchived:
		default:
			return fmt.Errorf("unknown status %q", value)
		}
		patch.Status = &s
	default:
		return fmt.Errorf("unknown field %q", field)
	}
	return nil
}
