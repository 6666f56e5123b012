package nostr

import "encoding/json"

// Filter はリレーへのクエリ条件（REQフィルタ）を表す。
// NIP-01のフィルタオブジェクトに対応する。
type Filter struct {
	IDs     []string            `json:"ids,omitempty"`
	Authors []string            `json:"authors,omitempty"`
	Kinds   []int               `json:"kinds,omitempty"`
	Tags    map[string][]string `json:"-"`
	Since   int64               `json:"since,omitempty"`
	Until   int64               `json:"until,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
}

// MarshalJSON はタグ条件を "#<name>" キーとして展開する。
// 例: Tags{"t": ["vine"]} → {"#t": ["vine"]}
func (f Filter) MarshalJSON() ([]byte, error) {
	type plain Filter
	base, err := json.Marshal(plain(f))
	if err != nil {
		return nil, err
	}

	if len(f.Tags) == 0 {
		return base, nil
	}

	var m map[string]interface{}
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for name, values := range f.Tags {
		m["#"+name] = values
	}
	return json.Marshal(m)
}

// Matches はイベントがフィルタ条件を満たすかを判定する。
// リレーから受信したイベントの検証（購読外イベントの排除）に使用する。
func (f Filter) Matches(ev *Event) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !contains(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if f.Since > 0 && ev.CreatedAt < f.Since {
		return false
	}
	if f.Until > 0 && ev.CreatedAt > f.Until {
		return false
	}
	for name, values := range f.Tags {
		matched := false
		for _, v := range ev.TagValues(name) {
			if contains(values, v) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
