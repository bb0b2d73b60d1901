package models

import (
	"encoding/json"
	"sort"

	"gorm.io/datatypes"
)

// CounterEntry is one (label, count) pair of a top-k mapping.
type CounterEntry struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// CounterList is an ordered top-k mapping, count-descending.
type CounterList []CounterEntry

// EncodeCounters serialises an ordered counter list into a JSON column.
func EncodeCounters(list CounterList) (datatypes.JSON, error) {
	if list == nil {
		list = CounterList{}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// DecodeCounters deserialises a JSON column into a counter list. A null or
// empty column decodes to an empty list.
func DecodeCounters(raw datatypes.JSON) (CounterList, error) {
	if len(raw) == 0 {
		return CounterList{}, nil
	}
	var list CounterList
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// MergeCounters sums two counter lists by key, re-sorts count-descending
// (key ascending on ties, so output is deterministic) and trims to limit.
func MergeCounters(a, b CounterList, limit int) CounterList {
	totals := make(map[string]int64, len(a)+len(b))
	for _, e := range a {
		totals[e.Key] += e.Count
	}
	for _, e := range b {
		totals[e.Key] += e.Count
	}

	merged := make(CounterList, 0, len(totals))
	for k, v := range totals {
		merged = append(merged, CounterEntry{Key: k, Count: v})
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Count != merged[j].Count {
			return merged[i].Count > merged[j].Count
		}
		return merged[i].Key < merged[j].Key
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
