package cli

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/happyhackingspace/haggle"
	"github.com/happyhackingspace/haggle/internal/storage"
)

const (
	hfRepo    = "happyhackingspace/haggle"
	hfDataURL = "https://huggingface.co/datasets/" + hfRepo + "/resolve/main/data.tar.gz"
)

var splits = []string{"train", "dev", "test"}

func (c *CLI) newDataCommand() *cobra.Command {
	dataCmd := &cobra.Command{
		Use:   "data",
		Short: "Manage dialogue data and model files (download/upload via Hugging Face)",
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	var downloadDataFolder string
	downloadCmd := &cobra.Command{
		Use:   "download",
		Short: "Download dialogue data and model from Hugging Face",
		Example: `  haggle data download
  haggle data download --data-folder data`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return dataDownload(flagOr(cmd, "data-folder", downloadDataFolder, c.cfg.DataFolder))
		},
	}
	downloadCmd.Flags().StringVar(&downloadDataFolder, "data-folder", "data", "Destination folder for dialogue data")

	var uploadDataFolder string
	uploadCmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload dialogue data and model to Hugging Face",
		Example: `  haggle data upload
  haggle data upload --data-folder data`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return dataUpload(flagOr(cmd, "data-folder", uploadDataFolder, c.cfg.DataFolder))
		},
	}
	uploadCmd.Flags().StringVar(&uploadDataFolder, "data-folder", "data", "Source folder for dialogue data")

	var statsDataFolder string
	statsCmd := &cobra.Command{
		Use:     "stats",
		Short:   "Summarize the scenarios and dialogues of a data folder",
		Example: `  haggle data stats --data-folder data`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return dataStats(os.Stdout, flagOr(cmd, "data-folder", statsDataFolder, c.cfg.DataFolder))
		},
	}
	statsCmd.Flags().StringVar(&statsDataFolder, "data-folder", "data", "Path to dialogue data folder")

	dataCmd.AddCommand(downloadCmd, uploadCmd, statsCmd)
	return dataCmd
}

func dataDownload(dataFolder string) error {
	slog.Info("Downloading dialogue data", "url", hfDataURL)
	resp, err := http.Get(hfDataURL)
	if err != nil {
		return errors.Wrap(err, "download data")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("download data: HTTP %d", resp.StatusCode)
	}

	if err := os.RemoveAll(dataFolder); err != nil {
		return errors.Wrapf(err, "remove existing %s", dataFolder)
	}
	count, err := extractTarGz(resp.Body, dataFolder)
	if err != nil {
		return err
	}
	slog.Info("Dialogue data extracted", "files", count, "folder", dataFolder)

	slog.Info("Downloading model", "url", modelURL)
	return download(modelURL, haggle.ModelFile)
}

// extractTarGz unpacks an archive whose entries live under "data/" into
// dataFolder.
func extractTarGz(r io.Reader, dataFolder string) (int, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return 0, errors.Wrap(err, "gzip reader")
	}
	defer func() { _ = gr.Close() }()

	tr := tar.NewReader(gr)
	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, errors.Wrap(err, "read tar")
		}

		target := hdr.Name
		if target == "data" || strings.HasPrefix(target, "data/") {
			target = dataFolder + target[len("data"):]
		}
		target = filepath.Clean(target)
		if rel, err := filepath.Rel(dataFolder, target); err != nil || strings.HasPrefix(rel, "..") {
			return count, errors.Errorf("archive entry %s escapes %s", hdr.Name, dataFolder)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return count, errors.Wrapf(err, "create dir %s", target)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return count, errors.Wrap(err, "create parent dir")
			}
			f, err := os.Create(target)
			if err != nil {
				return count, errors.Wrapf(err, "create file %s", target)
			}
			if _, err := io.Copy(f, tr); err != nil {
				_ = f.Close()
				return count, errors.Wrapf(err, "write file %s", target)
			}
			_ = f.Close()
			count++
		}
	}
	return count, nil
}

func dataUpload(dataFolder string) error {
	if _, err := exec.LookPath("huggingface-cli"); err != nil {
		return errors.New("huggingface-cli not found in PATH; install with: pip install huggingface_hub")
	}

	tarPath := "data.tar.gz"
	slog.Info("Creating archive", "source", dataFolder, "dest", tarPath)
	tf, err := os.Create(tarPath)
	if err != nil {
		return errors.Wrapf(err, "create %s", tarPath)
	}
	if err := writeTarGz(tf, dataFolder); err != nil {
		_ = tf.Close()
		return err
	}
	if err := tf.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tarPath)
	}
	slog.Info("Archive created", "path", tarPath)

	uploads := [][2]string{{tarPath, "data.tar.gz"}, {dataFolder, "data/"}}
	if _, err := os.Stat(haggle.ModelFile); err == nil {
		uploads = append(uploads, [2]string{haggle.ModelFile, haggle.ModelFile})
	}
	for _, u := range uploads {
		slog.Info("Uploading", "path", u[0])
		cmd := exec.Command("huggingface-cli", "upload", hfRepo, u[0], u[1], "--repo-type", "dataset")
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return errors.Wrapf(err, "upload %s", u[0])
		}
	}
	slog.Info("Upload complete")
	return nil
}

func writeTarGz(w io.Writer, dataFolder string) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)
	err := filepath.WalkDir(dataFolder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = path
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		_ = tw.Close()
		_ = gw.Close()
		return errors.Wrap(err, "create archive")
	}
	if err := tw.Close(); err != nil {
		_ = gw.Close()
		return errors.Wrap(err, "close tar")
	}
	return errors.Wrap(gw.Close(), "close gzip")
}

func dataStats(w io.Writer, dataFolder string) error {
	store := storage.NewStorage(dataFolder)
	if scenarios, err := store.ReadScenarios(); err == nil {
		fmt.Fprintf(w, "Scenarios: %s\n", humanize.Comma(int64(len(scenarios))))
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	found := false
	for _, split := range splits {
		examples, err := store.ReadExamples(split)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		found = true

		var messages, agreed int
		for i := range examples {
			messages += len(examples[i].Messages())
			if examples[i].Outcome.Agreed {
				agreed++
			}
		}
		size := ""
		if fi, err := os.Stat(store.SplitPath(split)); err == nil {
			size = humanize.Bytes(uint64(fi.Size()))
		}
		fmt.Fprintf(w, "%-5s  dialogues: %7s  messages: %8s  agreed: %5.1f%%  %s\n",
			split,
			humanize.Comma(int64(len(examples))),
			humanize.Comma(int64(messages)),
			percent(agreed, len(examples)),
			size)
	}
	if !found {
		return errors.Errorf("no dialogues found in %s", dataFolder)
	}
	return nil
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}
