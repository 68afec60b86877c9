package core

import (
	cryptoRand "crypto/rand"
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

func GenRandomToken() string {
	rdata := make([]byte, 64)
	cryptoRand.Read(rdata)
	hash := sha256.Sum256(rdata)
	return fmt.Sprintf("%x", hash)
}

func GenRandomString(n int) string {
	const lb = "abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, n)
	for i := range b {
		t := make([]byte, 1)
		cryptoRand.Read(t)
		b[i] = lb[int(t[0])%len(lb)]
	}
	return string(b)
}

func combineHost(sub string, domain string) string {
	if sub == "" {
		return strings.ToLower(domain)
	}
	return strings.ToLower(sub + "." + domain)
}

func stringExists(s string, sa []string) bool {
	for _, k := range sa {
		if s == k {
			return true
		}
	}
	return false
}

func CreateDir(path string, perm os.FileMode) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		err = os.MkdirAll(path, perm)
		if err != nil {
			return err
		}
	}
	return nil
}

func ReadFromFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func SaveToFile(b []byte, fpath string, perm fs.FileMode) error {
	file, err := os.OpenFile(fpath, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, perm)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.Write(b)
	return err
}

// truncateString shortens values for log output.
func truncateString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
