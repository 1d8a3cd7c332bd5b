package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSession_NotifiesOnChangeOnly(t *testing.T) {
	s := NewSession()
	_, ok := s.Current()
	assert.False(t, ok)

	var got []string
	cancel := s.OnChange(func(id Identity, ok bool) {
		if ok {
			got = append(got, id.UID)
		} else {
			got = append(got, "-")
		}
	})

	s.SignIn(Identity{UID: "u1", Role: RoleStudent})
	s.SignIn(Identity{UID: "u1", Role: RoleStudent})
	s.SignIn(Identity{UID: "u2", Role: RoleDriver})
	s.SignOut()
	assert.Equal(t, []string{"u1", "u2", "-"}, got)

	cancel()
	s.SignIn(Identity{UID: "u3"})
	assert.Len(t, got, 3)

	cur, ok := s.Current()
	assert.True(t, ok)
	assert.Equal(t, "u3", cur.UID)
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleDriver, ParseRole("driver"))
	assert.Equal(t, RoleAdmin, ParseRole("admin"))
	assert.Equal(t, RoleStudent, ParseRole(""))
	assert.Equal(t, RoleStudent, ParseRole("superuser"))
}
