package policy

import (
	"reflect"
	"testing"

	"github.com/ppiankov/osqgate/internal/model"
)

func TestScanInjectionFamilies(t *testing.T) {
	tests := []struct {
		sql    string
		family string
	}{
		{"select * from users where name = '' or 'a'='a'", "boolean_tautology"},
		{"select name from users union select password from shadow", "union_select"},
		{"select 1; drop table users", "stacked_statement"},
		{"drop table processes", "destructive_verb"},
		{"select * from users -- hide the rest", "comment_marker"},
		{"select /* note */ 1", "comment_marker"},
		{"select sleep(5)", "time_delay"},
		{"select benchmark(1000000, md5(1))", "time_delay"},
		{"select load_file('/etc/passwd')", "file_primitive"},
		{"select * from users into outfile '/tmp/x'", "file_primitive"},
		{"exec xp_cmdshell 'dir'", "stored_procedure"},
		{"select * from file where path = '/etc/hosts'", "sensitive_path"},
		{"select * from file where path='/home/alice/.ssh/id_rsa'", "sensitive_path"},
	}
	for _, tt := range tests {
		found := false
		for _, m := range scanInjection(normalize(tt.sql)) {
			if m.Family == tt.family {
				found = true
				if m.Fragment == "" {
					t.Errorf("%q: empty fragment", tt.sql)
				}
			}
		}
		if !found {
			t.Errorf("%q: expected family %s", tt.sql, tt.family)
		}
	}
}

func TestScanInjectionClean(t *testing.T) {
	clean := []string{
		"select pid, name from processes where pid > 100 limit 10",
		"select * from system_info",
		"select address, port from listening_ports order by port limit 50",
		"select executable from processes limit 5",
	}
	for _, sql := range clean {
		if ms := scanInjection(normalize(sql)); len(ms) != 0 {
			t.Errorf("%q: unexpected matches %+v", sql, ms)
		}
	}
}

func TestExtractTables(t *testing.T) {
	got := ExtractTables("SELECT p.pid FROM Processes p JOIN listening_ports l ON p.pid = l.pid left join processes x on 1")
	want := []string{"processes", "listening_ports"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got := ExtractTables("not sql at all"); len(got) != 0 {
		t.Errorf("expected no tables, got %v", got)
	}
}

func TestComplexityScoring(t *testing.T) {
	tests := []struct {
		sql  string
		want int
	}{
		{"select pid from processes", 1},
		{"select * from processes", 6},
		{"select pid from processes where pid > 1", 3},
		{"select pid from processes where pid > 1 and uid = 0 or gid = 0", 5},
		{"select name from users group by name order by name", 6},
		{"select a from t1 join t2 on x join t3 on y", 11},
	}
	for _, tt := range tests {
		if got := Complexity(tt.sql); got != tt.want {
			t.Errorf("Complexity(%q) = %d, want %d", tt.sql, got, tt.want)
		}
	}
}

func TestComplexityJoinMonotonic(t *testing.T) {
	base := "SELECT p.pid FROM processes p"
	prev := Complexity(base)
	for i := 0; i < 5; i++ {
		base += " JOIN users u ON p.uid = u.uid"
		next := Complexity(base)
		if next <= prev {
			t.Fatalf("adding a join lowered or kept complexity: %d -> %d", prev, next)
		}
		prev = next
	}
}

func TestDeclaredLimit(t *testing.T) {
	if n, ok := DeclaredLimit("SELECT pid FROM processes LIMIT 25;"); !ok || n != 25 {
		t.Errorf("expected 25, got %d (%v)", n, ok)
	}
	if _, ok := DeclaredLimit("SELECT pid FROM processes"); ok {
		t.Error("expected no limit")
	}
	if n, ok := DeclaredLimit("select 1 limit 99999999999999999999999"); !ok || n <= 0 {
		t.Errorf("overflowing limit should be treated as huge, got %d", n)
	}
	if n, ok := DeclaredLimit("SELECT pid FROM processes LIMIT 0, 100000"); !ok || n != 100000 {
		t.Errorf("offset form: expected count 100000, got %d (%v)", n, ok)
	}
	if n, ok := DeclaredLimit("SELECT pid FROM processes LIMIT 10 OFFSET 5000"); !ok || n != 10 {
		t.Errorf("OFFSET form: expected 10, got %d (%v)", n, ok)
	}
}

func TestOffsetLimitFormCheckedAgainstMaxRows(t *testing.T) {
	e := newTestEngine(t, map[string]string{"alice": "user"})
	for _, sql := range []string{
		"SELECT pid FROM processes LIMIT 100000",
		"SELECT pid FROM processes LIMIT 0, 100000",
		"SELECT pid FROM processes LIMIT 0 , 100000",
	} {
		if vs := e.ValidateCustomQuery("alice", sql); !hasKind(vs, model.DataExfiltration) {
			t.Errorf("%q: expected data_exfiltration, got %+v", sql, vs)
		}
	}
	if vs := e.ValidateCustomQuery("alice", "SELECT pid FROM processes LIMIT 100000, 10"); hasKind(vs, model.DataExfiltration) {
		t.Errorf("large offset with small count flagged: %+v", vs)
	}
}

func TestMalformedSQLNeverPanics(t *testing.T) {
	inputs := []string{"", "   ", "'''", "select from join limit", "((((", "\x00\xff"}
	e := newTestEngine(t, map[string]string{"root": "admin"})
	for _, in := range inputs {
		_ = e.ValidateCustomQuery("root", in)
		_ = Complexity(in)
		_ = ExtractTables(in)
	}
}

func FuzzValidateCustomQuery(f *testing.F) {
	f.Add("SELECT pid FROM processes LIMIT 10")
	f.Add("DROP TABLE processes;")
	f.Add("' or 1=1 --")
	e, err := NewEngine(DefaultConfig())
	if err != nil {
		f.Fatal(err)
	}
	if err := e.AssignRole("fuzz", "analyst", ""); err != nil {
		f.Fatal(err)
	}
	f.Fuzz(func(t *testing.T, sql string) {
		for _, v := range e.ValidateCustomQuery("fuzz", sql) {
			if v.Kind == "" || v.Severity == "" {
				t.Fatalf("incomplete violation %+v", v)
			}
		}
	})
}
