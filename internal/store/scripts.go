package store

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// endVoteScript atomically moves currentKey's value into historyKey (a set)
// and deletes currentKey, returning the moved value (or "" if currentKey was
// already absent). Grounds spec.md §4.1's "multi-step end vote" script and
// the legal-vote module's "stop reasons" semantics, which must never leave
// current_vote_id pointing at a vote that is also in history.
var endVoteScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
	return ""
end
redis.call("DEL", KEYS[1])
redis.call("SADD", KEYS[2], cur)
return cur
`)

// EndVote runs the atomic "read current vote id, delete it, insert into
// history" script against currentKey/historyKey. Returns ("", nil) if no
// vote was active.
func (c *Client) EndVote(ctx context.Context, currentKey, historyKey string) (string, error) {
	v, err := c.execute(ctx, "END_VOTE", func() (any, error) {
		return endVoteScript.Run(ctx, c.rdb, []string{currentKey, historyKey}).Result()
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// releaseLockScript deletes KEYS[1] only if its value equals ARGV[1] (the
// owner token). Shared with internal/lock, which is the sole caller.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// ReleaseOwnedKey deletes key only if its current value equals token,
// returning whether the delete happened. Used by internal/lock to implement
// scoped release without accidentally deleting a lock another holder has
// since acquired.
func (c *Client) ReleaseOwnedKey(ctx context.Context, key, token string) (bool, error) {
	v, err := c.execute(ctx, "RELEASE_OWNED", func() (any, error) {
		return releaseLockScript.Run(ctx, c.rdb, []string{key}, token).Result()
	})
	if err != nil {
		return false, err
	}
	n, _ := v.(int64)
	return n == 1, nil
}
