// Package password hashes and checks console passwords with Argon2id.
//
// Hashes use the PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Hasher.NeedsRehash] reports hashes produced with weaker parameters so a
// caller can re-hash after the next successful sign-in.
//
// The package never stores passwords and never logs them.
package password
