package sqlstore

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/pliu/alumnichat/internal/models"
)

var testStore *SQLStore

func SetupTestDB(t *testing.T) {
	var err error
	testStore, err = New("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
}

func TeardownTestDB() {
	testStore.db.Close()
}

// useClock replaces the store clock with one that advances a second per call.
func useClock(s *SQLStore, start time.Time) {
	current := start
	s.now = func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func createUser(t *testing.T, username string) *models.User {
	t.Helper()
	user := &models.User{Username: username, FirstName: username, LastName: "Tester"}
	require.NoError(t, testStore.CreateUser(context.Background(), user))
	return user
}
