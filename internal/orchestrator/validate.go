package orchestrator

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/ChuLiYu/dashsync/internal/fault"
	"github.com/ChuLiYu/dashsync/pkg/types"
)

// Validate checks that payload is structurally acceptable for domain. It
// returns a KindValidation fault describing the first problem found.
//
// Rules:
//   - every payload is a JSON object
//   - sovereignty: "status" is a string
//   - wallet: "balance" is a string or a number
//   - nodes: "nodes" is an array
//   - logs: either one entry ("level" and "message" strings) or a page
//     ("entries" array of such entries)
func Validate(domain types.Domain, payload json.RawMessage) error {
	obj, err := object(payload)
	if err != nil {
		return invalid(domain, err)
	}

	switch domain {
	case types.DomainSovereignty:
		err = requireString(obj, "status")
	case types.DomainWallet:
		err = requireBalance(obj)
	case types.DomainNodes:
		_, err = requireArray(obj, "nodes")
	case types.DomainLogs:
		if _, isPage := obj["entries"]; isPage {
			err = validateLogPage(obj)
		} else {
			err = validateLogEntry(obj)
		}
	default:
		err = errors.Errorf("unknown domain %q", domain)
	}
	if err != nil {
		return invalid(domain, err)
	}
	return nil
}

func invalid(domain types.Domain, err error) error {
	return fault.New(fault.KindValidation, "orchestrator.validate", errors.Wrapf(err, "%s payload", domain))
}

func object(payload json.RawMessage) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("payload must be a JSON object")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, errors.Wrap(err, "payload is not valid JSON")
	}
	return obj, nil
}

func requireString(obj map[string]json.RawMessage, field string) error {
	raw, ok := obj[field]
	if !ok {
		return errors.Errorf("missing %q", field)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return errors.Errorf("%q must be a string", field)
	}
	return nil
}

func requireBalance(obj map[string]json.RawMessage) error {
	raw, ok := obj["balance"]
	if !ok {
		return errors.New(`missing "balance"`)
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return nil
	}
	var n json.Number
	if json.Unmarshal(raw, &n) == nil {
		return nil
	}
	return errors.New(`"balance" must be a string or a number`)
}

func requireArray(obj map[string]json.RawMessage, field string) ([]json.RawMessage, error) {
	raw, ok := obj[field]
	if !ok {
		return nil, errors.Errorf("missing %q", field)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errors.Errorf("%q must be an array", field)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, errors.Errorf("%q must be an array", field)
	}
	return items, nil
}

func validateLogEntry(obj map[string]json.RawMessage) error {
	if err := requireString(obj, "level"); err != nil {
		return err
	}
	return requireString(obj, "message")
}

func validateLogPage(obj map[string]json.RawMessage) error {
	items, err := requireArray(obj, "entries")
	if err != nil {
		return err
	}
	for i, item := range items {
		entry, err := object(item)
		if err != nil {
			return errors.Wrapf(err, "entry %d", i)
		}
		if err := validateLogEntry(entry); err != nil {
			return errors.Wrapf(err, "entry %d", i)
		}
	}
	return nil
}
