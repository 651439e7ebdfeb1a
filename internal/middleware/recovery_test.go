package middleware

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() (*logrus.Entry, *bytes.Buffer) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	return logrus.NewEntry(l), &buf
}

func TestRecoverSwallowsPanicAndLogs(t *testing.T) {
	logger, buf := testLogger()

	func() {
		defer Recover(logger, "test.op")
		panic("boom")
	}()

	if !strings.Contains(buf.String(), "recovered from panic") {
		t.Fatalf("expected panic log, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "test.op") {
		t.Fatalf("expected op tag in log, got %q", buf.String())
	}
}

func TestRecoverNoPanicIsNoOp(t *testing.T) {
	logger, buf := testLogger()

	func() {
		defer Recover(logger, "test.op")
	}()

	if buf.Len() != 0 {
		t.Fatalf("expected no log output, got %q", buf.String())
	}
}

func TestRecoverIntoReportsErrorToCaller(t *testing.T) {
	logger, buf := testLogger()

	run := func() (err error) {
		defer RecoverInto(logger, "test.fragment", &err)
		panic("disk exploded")
	}

	err := run()
	if err == nil {
		t.Fatal("expected a non-nil error from the recovered panic")
	}
	if !strings.Contains(err.Error(), "disk exploded") {
		t.Fatalf("got error %q, want it to mention the panic value", err.Error())
	}
	if !strings.Contains(buf.String(), "test.fragment") {
		t.Fatalf("expected op tag in log, got %q", buf.String())
	}
}

func TestRecoverIntoNoPanicLeavesErrorUnset(t *testing.T) {
	logger, _ := testLogger()

	run := func() (err error) {
		defer RecoverInto(logger, "test.fragment", &err)
		return nil
	}

	if err := run(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
