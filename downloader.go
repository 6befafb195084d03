//go:build !NODOWNLOAD

package graft

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"

	"github.com/graft-ml/graft/util"
)

// DownloadOptions is a struct of options that can be passed to DownloadCheckpoint.
type DownloadOptions struct {
	AuthToken             string
	CheckpointName        string // disambiguates repos carrying several checkpoints
	Epoch                 int    // -1 selects the highest epoch tag in the repo
	Branch                string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
	Verbose               bool
}

// NewDownloadOptions creates new DownloadOptions struct with default values.
// Override the values to specify different download options.
func NewDownloadOptions() DownloadOptions {
	d := DownloadOptions{}
	d.Epoch = -1
	d.Branch = "main"
	d.MaxRetries = 5
	d.RetryInterval = 5
	d.ConcurrentConnections = 5
	return d
}

// DownloadCheckpoint downloads a pretrained checkpoint pair (the symbol JSON
// and the matching epoch-tagged parameter file) directly from huggingface.
// Before anything is fetched, the repo is validated to ensure it carries
// such a pair. It returns the local checkpoint prefix and the epoch tag,
// ready for checkpoint.Load.
func DownloadCheckpoint(repoName string, destination string, options DownloadOptions) (string, int, error) {

	repoP := repoName
	if strings.Contains(repoP, ":") {
		repoP = strings.Split(repoName, ":")[0]
	}
	localPath := path.Join(destination, strings.Replace(repoP, "/", "_", -1))

	repo := hub.New(repoName)
	if options.AuthToken != "" {
		repo = repo.WithAuth(options.AuthToken)
	}
	if options.ConcurrentConnections > 0 {
		repo.MaxParallelDownload = options.ConcurrentConnections
	}
	if options.Verbose {
		repo.Verbosity = 1
		repo.WithProgressBar(true)
	} else {
		repo.Verbosity = 0
		repo.WithProgressBar(false)
	}
	if options.Branch != "" {
		repo.WithRevision(options.Branch)
	}

	downloadFiles, epoch, err := validateDownloadRepo(repo, options)
	if err != nil {
		return "", 0, err
	}

	for i := 0; i < options.MaxRetries; i++ {
		downloadPaths, downloadErr := repo.DownloadFiles(downloadFiles...)
		if downloadErr != nil {
			if options.Verbose {
				fmt.Printf("Warning: attempt %d / %d failed, error: %s\n", i+1, options.MaxRetries, downloadErr)
			}
			time.Sleep(time.Duration(options.RetryInterval) * time.Second)
			continue
		}

		for j, downloadPath := range downloadPaths {
			truePath, symErr := filepath.EvalSymlinks(downloadPath)
			if symErr != nil {
				return "", 0, symErr
			}
			moveErr := util.CopyFile(truePath, fmt.Sprintf("%s/%s", localPath, path.Base(downloadFiles[j])))
			if moveErr != nil {
				return "", 0, moveErr
			}
		}

		if options.Verbose {
			fmt.Printf("\nDownload of %s completed successfully\n", repoName)
		}
		prefix := strings.TrimSuffix(path.Base(downloadFiles[0]), "-symbol.json")
		return util.PathJoinSafe(localPath, prefix), epoch, nil
	}

	return "", 0, fmt.Errorf("failed to download %s after %d attempts", repoName, options.MaxRetries)
}

// parseParamsFileName splits an epoch-tagged parameter file name, like
// resnet18-0042.params, into its prefix and epoch.
func parseParamsFileName(fileName string) (prefix string, epoch int, ok bool) {
	base := strings.TrimSuffix(fileName, ".params")
	if base == fileName {
		return "", 0, false
	}
	dash := strings.LastIndex(base, "-")
	if dash < 0 {
		return "", 0, false
	}
	epoch, err := strconv.Atoi(base[dash+1:])
	if err != nil || epoch < 0 {
		return "", 0, false
	}
	return base[:dash], epoch, true
}

func validateDownloadRepo(repo *hub.Repo, options DownloadOptions) ([]string, int, error) {

	for i := 0; i < options.MaxRetries; i++ {
		err := repo.DownloadInfo(false)
		if err != nil {
			if options.Verbose {
				fmt.Printf("Warning: list repo attempt %d / %d failed, error: %s\n", i+1, options.MaxRetries, err)
			}
			if i+1 == options.MaxRetries {
				return nil, 0, err
			}
			time.Sleep(time.Duration(options.RetryInterval) * time.Second)
		}
	}

	symbolPath := ""
	var allSymbols []string
	paramsByEpoch := map[int]string{}
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, 0, err
		}

		baseFileName := filepath.Base(fileName)
		if strings.HasSuffix(baseFileName, "-symbol.json") {
			prefix := strings.TrimSuffix(baseFileName, "-symbol.json")
			if options.CheckpointName != "" {
				if prefix == options.CheckpointName {
					symbolPath = fileName
				}
			} else {
				symbolPath = fileName
			}
			allSymbols = append(allSymbols, fileName)
		} else if prefix, epoch, ok := parseParamsFileName(baseFileName); ok {
			if options.CheckpointName == "" || prefix == options.CheckpointName {
				paramsByEpoch[epoch] = fileName
			}
		}
	}

	var errs []error

	if options.CheckpointName != "" {
		if symbolPath == "" {
			errs = append(errs, fmt.Errorf("no %s-symbol.json file found in the repo", options.CheckpointName))
		}
	} else {
		numSymbols := len(allSymbols)
		if numSymbols == 0 {
			errs = append(errs, fmt.Errorf("repo does not carry a -symbol.json file, only checkpoint pairs can be fine-tuned"))
		} else if numSymbols > 1 {
			errs = append(errs, fmt.Errorf("repo has multiple checkpoints, please specify one of the following checkpoint names: %s", strings.Join(allSymbols, " ")))
		}
	}

	epoch := options.Epoch
	if epoch >= 0 {
		if _, ok := paramsByEpoch[epoch]; !ok {
			errs = append(errs, fmt.Errorf("no parameter file for epoch %d found in the repo", epoch))
		}
	} else {
		for e := range paramsByEpoch {
			if e > epoch {
				epoch = e
			}
		}
		if epoch < 0 {
			errs = append(errs, fmt.Errorf("repo does not carry an epoch-tagged .params file"))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, 0, err
	}
	return []string{symbolPath, paramsByEpoch[epoch]}, epoch, nil
}
