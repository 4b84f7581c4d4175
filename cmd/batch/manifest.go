package batch

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/getsluice/sluice/pkg/cli"
	"github.com/getsluice/sluice/pkg/scheduler"
)

// A manifest lists the downloads of one batch run. The YAML form is a
// list of entries:
//
//	- link: https://example.com/foo/bar.txt
//	  op: foo/bar.txt
//	- link: https://example.com/baz.bin
//
// op is optional, the filename is inferred from the response when absent.
// Anything that does not decode as that list is parsed as plain text,
// one `url [dest]` pair per line.

type manifestEntry struct {
	Link       string `yaml:"link"`
	OutputPath string `yaml:"op,omitempty"`
}

func manifestFile(manifestPath string) (*os.File, error) {
	if manifestPath == "-" {
		return os.Stdin, nil
	}
	if _, err := os.Stat(manifestPath); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("manifest file %s does not exist", manifestPath)
	}
	file, err := os.Open(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("error opening manifest file %s: %w", manifestPath, err)
	}
	return file, err
}

func parseManifest(file io.Reader) ([]scheduler.Request, error) {
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}

	var entries []manifestEntry
	if err := yaml.Unmarshal(data, &entries); err == nil && len(entries) > 0 {
		requests := make([]scheduler.Request, 0, len(entries))
		for _, entry := range entries {
			if entry.Link == "" {
				return nil, errors.New("manifest entry is missing a link")
			}
			requests = append(requests, scheduler.Request{URL: entry.Link, Dest: entry.OutputPath})
		}
		return requests, nil
	}

	return parsePlainManifest(bytes.NewReader(data))
}

func parsePlainManifest(file io.Reader) ([]scheduler.Request, error) {
	var requests []scheduler.Request

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urlString, dest, err := parseLine(line)
		if err != nil {
			return nil, err
		}
		requests = append(requests, scheduler.Request{URL: urlString, Dest: dest})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return requests, nil
}

func parseLine(line string) (urlString, dest string, err error) {
	fields := strings.Fields(line)
	if len(fields) < 1 || len(fields) > 2 {
		return "", "", fmt.Errorf("error parsing manifest invalid line format `%s`", line)
	}
	urlString = fields[0]
	if len(fields) == 2 {
		dest = fields[1]
	}
	return urlString, dest, nil
}

// validateDestinations rejects manifests reusing an explicit destination
// and destinations already on disk. Entries without a destination are
// skipped, the engine derives and deduplicates their filenames itself.
func validateDestinations(requests []scheduler.Request) error {
	seen := make(map[string]string)
	for _, req := range requests {
		if req.Dest == "" {
			continue
		}
		if err := checkSeenDestinations(seen, req.Dest, req.URL); err != nil {
			return err
		}
		seen[req.Dest] = req.URL
		if err := cli.EnsureDestinationNotExist(req.Dest); err != nil {
			return err
		}
	}
	return nil
}

func checkSeenDestinations(destinations map[string]string, dest string, urlString string) error {
	if seenURL, ok := destinations[dest]; ok {
		if seenURL != urlString {
			return fmt.Errorf("duplicate destination %s with different urls: %s and %s", dest, seenURL, urlString)
		}
		return fmt.Errorf("duplicate entry: %s %s", urlString, dest)
	}
	return nil
}
