package obr

// Sandbox banks disagree on payload shapes: some nest everything
// under "data", some answer flat objects, some answer bare lists.
// The helpers here probe a fixed key order over both shapes.

var (
	accountListKeys = []string{"accounts", "account", "Account", "Accounts", "items"}
	txnListKeys     = []string{"transactions", "transaction", "Transactions", "Transaction", "items"}
	balanceListKeys = []string{"balances", "balance", "accountBalances", "Balance", "items"}
	creditListKeys  = []string{"agreements", "items", "credits", "productAgreements", "products"}

	accountIDKeys = []string{"accountId", "account_id", "id", "resourceId"}
)

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func dataOf(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	if data, ok := asMap(payload["data"]); ok {
		return data
	}
	return nil
}

// probeString returns the first non-empty string under any of keys.
func probeString(m map[string]any, keys ...string) string {
	if m == nil {
		return ""
	}
	for _, key := range keys {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func probeBool(m map[string]any, keys ...string) (bool, bool) {
	if m == nil {
		return false, false
	}
	for _, key := range keys {
		if b, ok := m[key].(bool); ok {
			return b, true
		}
	}
	return false, false
}

func probeAny(m map[string]any, keys ...string) (any, bool) {
	if m == nil {
		return nil, false
	}
	for _, key := range keys {
		if v, ok := m[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// probeEither checks the root object first, then the nested "data"
// object.
func probeEither(payload map[string]any, keys ...string) string {
	if s := probeString(payload, keys...); s != "" {
		return s
	}
	return probeString(dataOf(payload), keys...)
}

func toMapList(v any) ([]map[string]any, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := asMap(item); ok {
			out = append(out, m)
		}
	}
	return out, true
}

// extractList hunts for a list of objects: below "data" first, then
// at the root, finally treating the whole payload as the list.
func extractList(payload any, keys ...string) []map[string]any {
	if direct, ok := toMapList(payload); ok {
		return direct
	}

	root, ok := asMap(payload)
	if !ok {
		return nil
	}

	if data := dataOf(root); data != nil {
		for _, key := range keys {
			if list, ok := toMapList(data[key]); ok {
				return list
			}
		}
	}
	// data itself may be the list
	if list, ok := toMapList(root["data"]); ok {
		return list
	}

	for _, key := range keys {
		if list, ok := toMapList(root[key]); ok {
			return list
		}
	}

	return nil
}

func extractAccountID(account map[string]any) string {
	return probeString(account, accountIDKeys...)
}

// nextLink finds the pagination link of a reply, wherever the bank
// decided to put it.
func nextLink(payload map[string]any) string {
	for _, holder := range []map[string]any{payload, dataOf(payload)} {
		if holder == nil {
			continue
		}
		for _, key := range []string{"links", "Links"} {
			if links, ok := asMap(holder[key]); ok {
				if next := probeString(links, "next", "Next"); next != "" {
					return next
				}
			}
		}
	}
	return ""
}
