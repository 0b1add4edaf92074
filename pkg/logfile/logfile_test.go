package logfile

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestName(t *testing.T) {
	tests := []struct {
		iteration, scenario, run int
		test                     string
		want                     string
	}{
		{1, 0, 0, "ping", "i001_s0_r0_ping"},
		{2, 1, 0, "fping", "i002_s1_r0_fping"},
		{12, 3, 14, "flowgrind", "i012_s3_r14_flowgrind"},
		{1000, 0, 1, "nuttcp", "i1000_s0_r1_nuttcp"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := Name(tt.iteration, tt.scenario, tt.run, tt.test)
			if got != tt.want {
				t.Errorf("Name = %v, want %v", got, tt.want)
			}
			key, ok := ParseName(got)
			if !ok {
				t.Fatalf("ParseName(%q) failed", got)
			}
			want := Key{Iteration: tt.iteration, Scenario: tt.scenario, Run: tt.run, Test: tt.test}
			if key != want {
				t.Errorf("ParseName = %+v, want %+v", key, want)
			}
			if key.String() != got {
				t.Errorf("Key.String() = %v, want %v", key.String(), got)
			}
		})
	}
}

func TestParseName_Rejects(t *testing.T) {
	for _, name := range []string{
		"",
		"README",
		"i1_s0_r0_ping",
		"i001_s0_ping",
		"i001_s0_r0_",
		"i001_sA_r0_ping",
		"x001_s0_r0_ping",
	} {
		if _, ok := ParseName(name); ok {
			t.Errorf("ParseName(%q) accepted an invalid name", name)
		}
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	header := map[string]string{"a": "1", "b": "2"}

	var buf bytes.Buffer
	if err := Write(&buf, header, "raw output\n"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, body, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !reflect.DeepEqual(got, header) {
		t.Errorf("header = %v, want %v", got, header)
	}
	if body != "raw output\n" {
		t.Errorf("body = %q, want %q", body, "raw output\n")
	}
}

func TestWrite_SortsKeys(t *testing.T) {
	var buf bytes.Buffer
	header := map[string]string{"src": "3", "dst": "7", "cmd": "ping -c 1 mrouter7"}
	if err := Write(&buf, header, ""); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	want := "cmd=ping -c 1 mrouter7\ndst=7\nsrc=3\n" + Sentinel + "\n"
	if buf.String() != want {
		t.Errorf("Write produced %q, want %q", buf.String(), want)
	}
}

func TestWrite_InvalidHeader(t *testing.T) {
	for _, header := range []map[string]string{
		{"": "x"},
		{"a=b": "x"},
		{"a": "line\nbreak"},
		{Sentinel: "x"},
	} {
		if err := Write(&bytes.Buffer{}, header, ""); err == nil {
			t.Errorf("Write(%v) accepted an invalid header", header)
		}
	}
}

func TestRead_ValueWithEquals(t *testing.T) {
	in := "opts=-c 3 -i 0.2=x\n" + Sentinel + "\nbody"
	header, body, err := Read(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if header["opts"] != "-c 3 -i 0.2=x" {
		t.Errorf("opts = %q", header["opts"])
	}
	if body != "body" {
		t.Errorf("body = %q", body)
	}
}

func TestRead_Errors(t *testing.T) {
	if _, _, err := Read(strings.NewReader("a=1\nb=2\n")); !errors.Is(err, ErrNoSentinel) {
		t.Errorf("missing sentinel: err = %v, want ErrNoSentinel", err)
	}
	if _, _, err := Read(strings.NewReader("garbage\n" + Sentinel + "\n")); err == nil {
		t.Error("malformed header accepted")
	}
}

func TestWriteFile(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "logs", Name(1, 0, 0, "ping"))

	crc, err := WriteFile(path, map[string]string{"src": "1"}, "output\n")
	if err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	sum, size, err := Checksum(path)
	if err != nil {
		t.Fatalf("Checksum failed: %v", err)
	}
	if sum != crc {
		t.Errorf("CRC32 = %s, file checksum %s", FormatCRC(crc), FormatCRC(sum))
	}
	info, _ := os.Stat(path)
	if size != info.Size() {
		t.Errorf("size = %d, want %d", size, info.Size())
	}

	header, body, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if header["src"] != "1" || body != "output\n" {
		t.Errorf("ReadFile = %v, %q", header, body)
	}

	if _, err := WriteFile(path, nil, "again"); err == nil {
		t.Error("WriteFile overwrote an existing log file")
	}
}

func TestWalk(t *testing.T) {
	tempDir := t.TempDir()

	files := []string{
		Name(1, 0, 0, "ping"),
		Name(1, 1, 0, "ping"),
		"sub/" + Name(2, 0, 3, "flowgrind"),
		".svn/" + Name(1, 0, 0, "ping"),
		"sub/.git/" + Name(1, 0, 0, "ping"),
		"CVS/" + Name(1, 0, 0, "ping"),
		"notes.txt",
	}
	for _, f := range files {
		full := filepath.Join(tempDir, f)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("Failed to create directory: %v", err)
		}
		if err := os.WriteFile(full, []byte(Sentinel+"\n"), 0644); err != nil {
			t.Fatalf("Failed to create file: %v", err)
		}
	}

	found, err := Walk(tempDir)
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if len(found) != 3 {
		t.Fatalf("Walk found %d files, want 3: %v", len(found), found)
	}
	for i := 1; i < len(found); i++ {
		if found[i].Path < found[i-1].Path {
			t.Errorf("files not sorted: %v before %v", found[i-1].Path, found[i].Path)
		}
	}
	last := found[2]
	if last.Key.Test != "flowgrind" || last.Key.Run != 3 {
		t.Errorf("Key = %+v", last.Key)
	}
}

func TestWalk_Empty(t *testing.T) {
	found, err := Walk(t.TempDir())
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("Walk found %d files in an empty directory", len(found))
	}
}
