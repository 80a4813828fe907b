package vectorstore

import "github.com/google/uuid"

// idNamespace scopes object ids to this system. Fixed forever: changing it
// would orphan every previously synced object.
var idNamespace = uuid.MustParse("7b9c1c30-9a4f-4d56-8a41-2f6f39f0a8e3")

// ObjectID computes the deterministic object id for a path within a
// collection. The same (collection, repository, path) always yields the same
// id, so re-syncing overwrites instead of duplicating. The components are
// NUL-separated to keep ("a","bc") and ("ab","c") distinct.
func ObjectID(collection, repository, path string) string {
	name := collection + "\x00" + repository + "\x00" + path
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}
