package model

import (
	"log/slog"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"info", LogLevelInfo, false},
		{"NOTICE", LogLevelNotice, false},
		{" warn ", LogLevelWarning, false},
		{"warning", LogLevelWarning, false},
		{"error", LogLevelError, false},
		{"debug", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestLogLevel_StringRoundTrip(t *testing.T) {
	for _, l := range []LogLevel{LogLevelInfo, LogLevelNotice, LogLevelWarning, LogLevelError} {
		got, err := ParseLogLevel(l.String())
		if err != nil || got != l {
			t.Errorf("ParseLogLevel(%q) = (%d, %v), want %d", l.String(), got, err, l)
		}
	}
	if got := LogLevel(250).String(); got != "level(250)" {
		t.Errorf("String() = %q, want level(250)", got)
	}
}

func TestLogLevel_Severity(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  slog.Level
	}{
		{LogLevelInfo, slog.LevelInfo},
		{LogLevelNotice, slog.LevelInfo + 2},
		{LogLevelWarning, slog.LevelWarn},
		{LogLevelError, slog.LevelError},
	}
	for _, tt := range tests {
		if got := tt.level.Severity(); got != tt.want {
			t.Errorf("%s.Severity() = %v, want %v", tt.level, got, tt.want)
		}
	}
	if LogLevelNotice.Severity() >= slog.LevelWarn {
		t.Error("noticeはwarningより軽いべき")
	}
}

func TestUser_HasContact(t *testing.T) {
	if (&User{}).HasContact() {
		t.Error("空のContactIDでtrueを返しました")
	}
	if !(&User{ContactID: "42"}).HasContact() {
		t.Error("ContactIDがあるのにfalseを返しました")
	}
}
