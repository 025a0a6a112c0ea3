package wal

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

var errBadWalName = errors.New("wal: bad file name")

func walName(seq, index uint64) string {
	return fmt.Sprintf("%016x-%016x.wal", seq, index)
}

func parseWalName(str string) (seq, index uint64, err error) {
	if !strings.HasSuffix(str, ".wal") {
		return 0, 0, errBadWalName
	}
	_, err = fmt.Sscanf(str, "%016x-%016x.wal", &seq, &index)
	return seq, index, err
}

// readWalNames return the segment names of dir in sequence order,
// skipping anything that is not a well-formed segment.
func readWalNames(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(files))
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if _, _, err := parseWalName(file.Name()); err != nil {
			continue
		}
		names = append(names, file.Name())
	}
	sort.Strings(names)
	return names, nil
}

func isValidSequences(names []string) bool {
	var lastSeq uint64
	for i, name := range names {
		curSeq, _, err := parseWalName(name)
		if err != nil {
			log.Panicf("parse correct name should never fail: %v", err)
		}
		if i != 0 && lastSeq+1 != curSeq {
			return false
		}
		lastSeq = curSeq
	}
	return true
}
