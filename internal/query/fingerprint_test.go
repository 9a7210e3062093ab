package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintWithOrderInsensitive(t *testing.T) {
	a := New().With("User", F("age", GT, 30)).With("Score", F("value", GTE, 10))
	b := New().With("Score", F("value", GTE, 10)).With("User", F("age", GT, 30))

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprintFilterOrderInsensitive(t *testing.T) {
	a := New().With("User", F("age", GT, 30), F("active", EQ, true))
	b := New().With("User", F("active", EQ, true), F("age", GT, 30))

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprintSortOrderSignificant(t *testing.T) {
	a := New().SortBy("User", "age", ASC).SortBy("User", "email", ASC)
	b := New().SortBy("User", "email", ASC).SortBy("User", "age", ASC)

	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprintDistinguishesSemantics(t *testing.T) {
	base := New().With("User", F("age", GT, 30))

	variants := []*Builder{
		New().With("User", F("age", GT, 31)),
		New().With("User", F("age", GTE, 30)),
		New().With("User", F("age", GT, 30)).Take(5),
		New().With("User", F("age", GT, 30)).Offset(2),
		New().With("User", F("age", GT, 30)).IncludeDeleted(),
		New().With("User", F("age", GT, 30)).Include("Score"),
		New().With("User", F("age", GT, 30)).SortBy("User", "age", ASC),
	}
	seen := map[string]bool{base.Fingerprint(): true}
	for _, v := range variants {
		fp := v.Fingerprint()
		assert.False(t, seen[fp], "fingerprint collision for %s", v)
		seen[fp] = true
	}
}

func TestFingerprintArchetypeOrderInsensitive(t *testing.T) {
	a := New().MatchingArchetype(testArchetype{"x", []string{"User", "Score"}})
	b := New().MatchingArchetype(testArchetype{"x", []string{"Score", "User"}})

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprintStableAcrossCalls(t *testing.T) {
	b := New().With("User", F("age", IN, []int{3, 1, 2})).Take(10)
	assert.Equal(t, b.Fingerprint(), b.Fingerprint())
}
