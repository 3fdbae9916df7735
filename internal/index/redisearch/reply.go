package redisearch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/searchcrawler/internal/index"
)

// parseSearch decodes a RESP2 FT.SEARCH reply made WITHSCORES: the total,
// then key, score, field list triples. The stored leads come back in hit
// order.
func parseSearch(reply any, prefix string) (index.SearchResult, []string, error) {
	items, ok := reply.([]any)
	if !ok || len(items) == 0 {
		return index.SearchResult{}, nil, fmt.Errorf("%w: search reply is %T", index.ErrProtocol, reply)
	}
	total, ok := items[0].(int64)
	if !ok {
		return index.SearchResult{}, nil, fmt.Errorf("%w: search total is %T", index.ErrProtocol, items[0])
	}
	rest := items[1:]
	if len(rest)%3 != 0 {
		return index.SearchResult{}, nil, fmt.Errorf("%w: search reply has %d trailing items", index.ErrProtocol, len(rest)%3)
	}
	res := index.SearchResult{Total: int(total), Hits: make([]index.Hit, 0, len(rest)/3)}
	leads := make([]string, 0, len(rest)/3)
	for i := 0; i < len(rest); i += 3 {
		key, ok := asString(rest[i])
		if !ok {
			return index.SearchResult{}, nil, fmt.Errorf("%w: document key is %T", index.ErrProtocol, rest[i])
		}
		rawScore, _ := asString(rest[i+1])
		score, err := strconv.ParseFloat(rawScore, 64)
		if err != nil {
			return index.SearchResult{}, nil, fmt.Errorf("%w: score %q: %v", index.ErrProtocol, rawScore, err)
		}
		fields, err := pairs(rest[i+2])
		if err != nil {
			return index.SearchResult{}, nil, err
		}
		hit := index.Hit{
			Key:    strings.TrimPrefix(key, prefix),
			Title:  fields["title"],
			Body:   fields["body"],
			Domain: fields["domain"],
			Score:  score,
		}
		if ms := fields["last_changed_at"]; ms != "" {
			n, err := strconv.ParseInt(ms, 10, 64)
			if err != nil {
				return index.SearchResult{}, nil, fmt.Errorf("%w: last_changed_at %q", index.ErrProtocol, ms)
			}
			hit.LastChangedAt = time.UnixMilli(n).UTC()
		}
		res.Hits = append(res.Hits, hit)
		leads = append(leads, fields["lead"])
	}
	return res, leads, nil
}

// attributes reads field name to type from an FT.INFO reply. Newer servers
// report "attributes", older ones "fields".
func attributes(reply any) (map[string]string, error) {
	top, err := pairsRaw(reply)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	if raw, ok := top["attributes"]; ok {
		list, _ := raw.([]any)
		for _, a := range list {
			attr, err := pairs(a)
			if err != nil {
				return nil, err
			}
			name := attr["attribute"]
			if name == "" {
				name = attr["identifier"]
			}
			out[name] = attr["type"]
		}
		return out, nil
	}
	if raw, ok := top["fields"]; ok {
		list, _ := raw.([]any)
		for _, f := range list {
			entry, ok := f.([]any)
			if !ok || len(entry) == 0 {
				return nil, fmt.Errorf("%w: malformed field entry", index.ErrProtocol)
			}
			name, _ := asString(entry[0])
			attr, err := pairs(entry[1:])
			if err != nil {
				return nil, err
			}
			out[name] = attr["type"]
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: index info has no attribute list", index.ErrProtocol)
}

func pairsRaw(v any) (map[string]any, error) {
	list, ok := v.([]any)
	if !ok || len(list)%2 != 0 {
		return nil, fmt.Errorf("%w: expected key/value list, got %T", index.ErrProtocol, v)
	}
	out := make(map[string]any, len(list)/2)
	for i := 0; i < len(list); i += 2 {
		k, ok := asString(list[i])
		if !ok {
			return nil, fmt.Errorf("%w: key is %T", index.ErrProtocol, list[i])
		}
		out[strings.ToLower(k)] = list[i+1]
	}
	return out, nil
}

func pairs(v any) (map[string]string, error) {
	raw, err := pairsRaw(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		s, _ := asString(val)
		out[k] = s
	}
	return out, nil
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), true
	default:
		return "", false
	}
}

// mapError sorts a go-redis failure into one of the index error classes.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", index.ErrQueryTimeout, err)
	}
	var rerr redis.Error
	if errors.As(err, &rerr) && !errors.Is(err, redis.Nil) {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "unknown index name"), strings.Contains(msg, "no such index"):
			return fmt.Errorf("%w: %w", index.ErrIndexMissing, err)
		case strings.Contains(msg, "timeout"):
			return fmt.Errorf("%w: %w", index.ErrQueryTimeout, err)
		case strings.HasPrefix(msg, "loading"), strings.HasPrefix(msg, "busy"), strings.HasPrefix(msg, "tryagain"):
			return fmt.Errorf("%w: %w", index.ErrTransientConnection, err)
		default:
			return fmt.Errorf("%w: %w", index.ErrProtocol, err)
		}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %w", index.ErrQueryTimeout, err)
	}
	return fmt.Errorf("%w: %w", index.ErrTransientConnection, err)
}
