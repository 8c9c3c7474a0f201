package database

import "testing"

func TestSplitStatements(t *testing.T) {
	src := `
CREATE TABLE a (id INTEGER);

CREATE INDEX a_id ON a (id);
   ;
`
	got := splitStatements(src)
	if len(got) != 2 {
		t.Fatalf("statements = %q", got)
	}
	if got[0] != "CREATE TABLE a (id INTEGER)" || got[1] != "CREATE INDEX a_id ON a (id)" {
		t.Fatalf("statements = %q", got)
	}
}

func TestEmbeddedMigrationsExistForBothDrivers(t *testing.T) {
	for _, driver := range []string{"postgres", "sqlite"} {
		entries, err := migrationsFS.ReadDir("migrations/" + driver)
		if err != nil {
			t.Fatalf("%s: %v", driver, err)
		}
		if len(entries) == 0 {
			t.Fatalf("%s: no migrations embedded", driver)
		}
	}
}
