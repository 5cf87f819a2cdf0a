package main

import (
	"os"
	"reflect"
	"testing"
)

type envReplaceChild struct {
	String string
	NotMe  string
}

type envReplaceTest struct {
	Int    int
	String string
	Child  envReplaceChild
	Hash   string // bcrypt-looking hash, starts with '$' but isn't an env key
}

func TestReplaceEnvKeys(t *testing.T) {
	t.Setenv("REPLACE_ME", "foo")
	t.Setenv("ME_TOO", "bar")

	data := &envReplaceTest{
		Int:    5,
		String: "$REPLACE_ME",
		Hash:   "$2a$10$33EMT0cVYVlPy6WAMCLsceLYjWhuHpbz5yuZxu/GAFj03J9Lytjuy",
		Child: envReplaceChild{
			String: "$ME_TOO",
			NotMe:  "$DOES_NOT_EXIST",
		},
	}

	if err := replaceEnvKeys(data, os.Getenv); err != nil {
		t.Fatalf("replaceEnvKeys: %v", err)
	}

	want := &envReplaceTest{
		Int:    5,
		String: "foo",
		Hash:   "$2a$10$33EMT0cVYVlPy6WAMCLsceLYjWhuHpbz5yuZxu/GAFj03J9Lytjuy",
		Child: envReplaceChild{
			String: "bar",
			NotMe:  "",
		},
	}
	if !reflect.DeepEqual(data, want) {
		t.Fatalf("got %+v, want %+v", data, want)
	}
}
