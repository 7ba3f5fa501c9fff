package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/internal/filing"
	apperrors "github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/disclosure-ingestion/pkg/redis"
)

// transition raises the stored state of KEYS[1] to ARGV[1] if it is lower
// and keeps the per-state counters in KEYS[2] in step. ARGV[4..] are extra
// field/value pairs written with the new state. It returns the state found
// before the call, or -1 when publishing a filing that was never archived.
var transition = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'state') or '0')
local target = tonumber(ARGV[1])
if cur >= target then
	return cur
end
if target == 2 and cur == 0 then
	return -1
end
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'updated_at', ARGV[2], unpack(ARGV, 4))
if cur == 1 then
	redis.call('HINCRBY', KEYS[2], 'archived', -1)
end
redis.call('HINCRBY', KEYS[2], ARGV[3], 1)
return cur
`)

// Redis keeps one hash per filing plus a counter hash. Transitions run as a
// Lua script so the compare-and-set is atomic on the server.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedis(client *redis.Client, keyPrefix string) *Redis {
	return &Redis{client: client, prefix: keyPrefix, now: time.Now}
}

func (r *Redis) entryKey(filingID string) string {
	return r.prefix + "filing:" + filingID
}

func (r *Redis) statsKey() string {
	return r.prefix + "stats"
}

func (r *Redis) IsProcessed(ctx context.Context, filingID string) (bool, error) {
	return isProcessed(ctx, r, filingID)
}

func (r *Redis) StateOf(ctx context.Context, filingID string) (Entry, error) {
	fields, err := r.client.HGetAll(ctx, r.entryKey(filingID))
	if err != nil {
		return Entry{}, apperrors.Ledger("reading ledger entry", err)
	}
	e := Entry{FilingID: filingID, State: filing.StateUnseen}
	if len(fields) == 0 {
		return e, nil
	}
	n, err := strconv.Atoi(fields["state"])
	if err != nil {
		return Entry{}, apperrors.Ledger("reading ledger entry", fmt.Errorf("bad state %q for %s", fields["state"], filingID))
	}
	e.State = filing.State(n)
	e.ContentKey = fields["content_key"]
	e.ContentType = fields["content_type"]
	if v := fields["size"]; v != "" {
		if e.Size, err = strconv.Atoi(v); err != nil {
			return Entry{}, apperrors.Ledger("reading ledger entry", fmt.Errorf("bad size %q for %s", v, filingID))
		}
	}
	if ts := fields["updated_at"]; ts != "" {
		if e.UpdatedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return Entry{}, apperrors.Ledger("reading ledger entry", err)
		}
	}
	return e, nil
}

func (r *Redis) MarkArchived(ctx context.Context, filingID string, obj filing.Object) error {
	_, err := r.run(ctx, filingID, filing.StateArchived,
		"content_key", obj.Key,
		"content_type", obj.ContentType,
		"size", strconv.Itoa(obj.Size),
	)
	if err != nil {
		return apperrors.Ledger("marking filing archived", err)
	}
	return nil
}

func (r *Redis) MarkPublished(ctx context.Context, filingID string) error {
	prev, err := r.run(ctx, filingID, filing.StatePublished)
	if err != nil {
		return apperrors.Ledger("marking filing published", err)
	}
	if prev < 0 {
		return invalidTransition(filingID)
	}
	return nil
}

func (r *Redis) run(ctx context.Context, filingID string, target filing.State, fields ...string) (int64, error) {
	args := []any{int(target), r.now().UTC().Format(time.RFC3339Nano), target.String()}
	for _, f := range fields {
		args = append(args, f)
	}
	res, err := r.client.Run(ctx, transition,
		[]string{r.entryKey(filingID), r.statsKey()},
		args...,
	)
	if err != nil {
		return 0, err
	}
	prev, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected script result %T", res)
	}
	return prev, nil
}

func (r *Redis) Stats(ctx context.Context) (Stats, error) {
	fields, err := r.client.HGetAll(ctx, r.statsKey())
	if err != nil {
		return Stats{}, apperrors.Ledger("reading ledger counts", err)
	}
	var s Stats
	for name, dst := range map[string]*int64{"archived": &s.Archived, "published": &s.Published} {
		v := fields[name]
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Stats{}, apperrors.Ledger("reading ledger counts", fmt.Errorf("bad %s counter %q", name, v))
		}
		*dst = n
	}
	return s, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx); err != nil {
		return apperrors.Ledger("pinging ledger", err)
	}
	return nil
}
