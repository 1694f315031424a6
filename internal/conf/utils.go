package conf

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/Gameminde/Chneowave-sub003/internal/errors"
)

// GetDefaultConfigPaths returns the directories searched for config.yaml,
// in priority order
func GetDefaultConfigPaths() ([]string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("operation", "get-executable-path").
			Build()
	}
	exeDir := filepath.Dir(exePath)

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("operation", "get-home-directory").
			Build()
	}

	if runtime.GOOS == "windows" {
		return []string{
			exeDir,
			filepath.Join(homeDir, "AppData", "Roaming", AppName),
		}, nil
	}
	return []string{
		".",
		filepath.Join(homeDir, ".config", AppName),
		"/etc/" + AppName,
	}, nil
}

// FindConfigFile returns the first existing config.yaml in the default
// locations
func FindConfigFile() (string, error) {
	paths, err := GetDefaultConfigPaths()
	if err != nil {
		return "", err
	}
	for _, p := range paths {
		candidate := filepath.Join(p, "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", errors.Newf("config file not found in %v", paths).
		Component("conf").
		Category(errors.CategoryNotFound).
		Build()
}

// Dump renders settings as YAML
func Dump(settings *Settings) ([]byte, error) {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("error marshaling settings to YAML: %w", err)
	}
	return data, nil
}

// SaveYAMLConfig writes settings to configPath through a temporary file so
// the original is never left half written
func SaveYAMLConfig(configPath string, settings *Settings) error {
	data, err := Dump(settings)
	if err != nil {
		return err
	}
	return writeAtomic(configPath, data)
}

// WriteDefaultConfig writes the annotated default config to configPath,
// creating parent directories. An existing file is left alone.
func WriteDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return errors.Newf("config file %s already exists", configPath).
			Component("conf").
			Category(errors.CategoryConflict).
			Build()
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	return writeAtomic(configPath, defaultConfigYAML)
}

func writeAtomic(configPath string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	// rename fails across devices, fall back to copy and delete
	if err := os.Rename(tempFileName, configPath); err != nil {
		if err := moveFile(tempFileName, configPath); err != nil {
			return fmt.Errorf("error copying config file: %w", err)
		}
	}
	return nil
}

// moveFile moves src to dst, copying when a rename is not possible
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	srcAbs, err := filepath.Abs(src)
	if err != nil {
		return fmt.Errorf("error resolving source path: %w", err)
	}
	dstAbs, err := filepath.Abs(dst)
	if err != nil {
		return fmt.Errorf("error resolving destination path: %w", err)
	}

	srcFile, err := os.Open(srcAbs) //nolint:gosec // G304: srcAbs is filepath.Abs resolved path
	if err != nil {
		return fmt.Errorf("error opening source file: %w", err)
	}
	defer func() {
		if err := srcFile.Close(); err != nil {
			log.Warn("failed to close source file", "error", err)
		}
	}()

	dstFile, err := os.Create(dstAbs) //nolint:gosec // G304: dstAbs is filepath.Abs resolved path
	if err != nil {
		return fmt.Errorf("error creating destination file: %w", err)
	}
	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return fmt.Errorf("error copying file contents: %w", err)
	}
	if err := dstFile.Close(); err != nil {
		return fmt.Errorf("error closing destination file: %w", err)
	}
	return os.Remove(srcAbs)
}
