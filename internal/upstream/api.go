package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"attendance-sync-backend/internal/model"
)

// Transaction models a single punch record from the terminal API.
type Transaction struct {
	ID            int64    `json:"id"`
	EmpCode       string   `json:"emp_code"`
	PunchTime     string   `json:"punch_time"`
	PunchState    IntCode  `json:"punch_state"`
	TerminalSN    string   `json:"terminal_sn"`
	TerminalAlias string   `json:"terminal_alias"`
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
	Mobile        *bool    `json:"mobile"`
}

// UnmarshalJSON implements json.Unmarshaler. The state code defaults to
// StateMissing so a record that omits punch_state entirely is treated the same
// as one sending null.
func (t *Transaction) UnmarshalJSON(b []byte) error {
	type plain Transaction
	aux := plain{PunchState: StateMissing}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*t = Transaction(aux)
	return nil
}

// transactionPage models one page of the transactions-list endpoint.
type transactionPage struct {
	Count    int           `json:"count"`
	Next     *string       `json:"next"`
	Previous *string       `json:"previous"`
	Data     []Transaction `json:"data"`
}

// authResponse models the token endpoint's response.
type authResponse struct {
	Token string `json:"token"`
}

// IntCode is an integer state code that some firmware versions serialize as a
// quoted string. Either form decodes; anything else is rejected.
type IntCode int

// StateMissing marks a punch whose state code was absent or null. No state
// table maps it, so it classifies as unknown instead of being mistaken for a
// check-in.
const StateMissing IntCode = -1

// UnmarshalJSON implements json.Unmarshaler.
func (c *IntCode) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "null" || s == "" {
		*c = StateMissing
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid punch state code %s: %w", string(b), err)
	}
	*c = IntCode(n)
	return nil
}

// ToRawEvent validates a transaction at the ingestion boundary and converts it
// to a staging row. Transactions without an employee code or with an
// unparseable punch time are rejected here, before they can enter the
// pipeline.
func (t Transaction) ToRawEvent(loc *time.Location, pulledAt time.Time) (model.RawPunchEvent, error) {
	if t.EmpCode == "" {
		return model.RawPunchEvent{}, fmt.Errorf("transaction %d has no employee code", t.ID)
	}
	punchTime, err := time.ParseInLocation("2006-01-02 15:04:05", t.PunchTime, loc)
	if err != nil {
		return model.RawPunchEvent{}, fmt.Errorf("transaction %d has unparseable punch time %q: %w", t.ID, t.PunchTime, err)
	}
	return model.RawPunchEvent{
		ExternalID:    t.ID,
		EmployeeCode:  t.EmpCode,
		PunchTime:     punchTime,
		PunchState:    int(t.PunchState),
		TerminalSN:    t.TerminalSN,
		TerminalAlias: t.TerminalAlias,
		Latitude:      t.Latitude,
		Longitude:     t.Longitude,
		PulledAt:      pulledAt,
	}, nil
}

// IsAccessTerminal reports whether a terminal alias identifies an
// access-control terminal rather than an attendance terminal.
func IsAccessTerminal(alias string, tags []string) bool {
	lower := strings.ToLower(alias)
	for _, tag := range tags {
		if strings.Contains(lower, strings.ToLower(tag)) {
			return true
		}
	}
	return false
}

var (
	_ json.Unmarshaler = (*IntCode)(nil)
	_ json.Unmarshaler = (*Transaction)(nil)
)
