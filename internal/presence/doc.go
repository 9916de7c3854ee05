// Package presence mirrors hub membership into Redis.
//
// Each conversation with at least one joined user is stored as a Redis set
// named <key_prefix><low>|<high> holding the distinct user ids. The hub
// remains the source of truth; the mirror only lets other services see who is
// in a conversation without asking the gateway. Sets carry a TTL so a crashed
// gateway does not leave users online forever; while members stay joined the
// mirror rewrites their set every half TTL, which also retries failed writes.
//
//	sets, err := presence.NewRedisSets(ctx, "localhost:6379", "", 0)
//	mirror := presence.NewMirror(sets, hub.Tracker().Members, "tandem:presence:", 10*time.Minute, logger)
//	hub.Tracker().OnChange(mirror.OnChange)
//	go mirror.Run(ctx)
package presence
