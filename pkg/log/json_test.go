// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// Test that integers and names can be properly unmarshaled.
func TestUnmarshalLevel(t *testing.T) {
	tcs := []struct {
		in   string
		want Level
	}{
		{`0`, Warning},
		{`1`, Info},
		{`2`, Debug},
		{`"warning"`, Warning},
		{`"info"`, Info},
		{`"DEBUG"`, Debug},
	}

	for _, tc := range tcs {
		var lv Level
		if err := json.Unmarshal([]byte(tc.in), &lv); err != nil {
			t.Errorf("error unmarshaling %s: %v", tc.in, err)
			continue
		}
		if lv != tc.want {
			t.Errorf("unmarshal %s got %v want %v", tc.in, lv, tc.want)
		}
	}
}

func TestUnmarshalBadLevel(t *testing.T) {
	var lv Level
	if err := json.Unmarshal([]byte(`"verbose"`), &lv); err == nil {
		t.Errorf("unmarshal of unknown level succeeded: %v", lv)
	}
	if _, err := Level(9).MarshalText(); err == nil {
		t.Errorf("marshal of unknown level succeeded")
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{&Writer{Next: tw}}
	ts := time.Date(2026, time.January, 2, 3, 4, 5, 0, time.UTC)
	e.Emit(0, Debug, ts, "count=%d", 3)

	if len(tw.lines) == 0 {
		t.Fatalf("nothing emitted")
	}
	var got jsonLog
	if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
		t.Fatalf("emitted line %q is not json: %v", tw.lines[0], err)
	}
	if got.Msg != "count=3" || got.Level != Debug || !got.Time.Equal(ts) {
		t.Errorf("unexpected log entry: %+v", got)
	}
	if !strings.HasPrefix(got.Caller, "json_test.go:") {
		t.Errorf("caller = %q, want json_test.go:<line>", got.Caller)
	}
}
