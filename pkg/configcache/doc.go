// Package configcache persists serialized bucketed configs per user so the
// SDK can start cold with stale-but-usable data.
//
// Entries are keyed by identity partition and user id:
//
//	IDENTIFIED_CONFIG.{user_id}             -> serialized config
//	IDENTIFIED_CONFIG.{user_id}.EXPIRY_DATE -> unix millis
//
// with an ANONYMOUS_CONFIG twin for SDK-generated identities. The partitions
// are separate because identified and anonymous users have different trust
// and retention semantics.
//
// Expiry is enforced lazily on read (an expired entry is deleted and treated
// as a miss) and eagerly once at construction, where every stored entry past
// its expiry is swept. Construction also runs a one-time migration of the
// legacy single-slot layout (IDENTIFIED_CONFIG, IDENTIFIED_CONFIG.USER_ID,
// IDENTIFIED_CONFIG.FETCH_DATE) into the per-user layout; partial or corrupt
// legacy data is cleaned up either way, and migration problems are logged,
// never fatal, so they can never prevent client startup.
package configcache
