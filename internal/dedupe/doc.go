// Package dedupe absorbs repeated bus signals. A signal key is claimed by
// the first caller; later claims within the TTL report a duplicate so the
// signal can be dropped instead of being processed twice.
package dedupe
