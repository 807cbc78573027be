package plugins

import (
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/distforge/distforge/pkg/component"
	"github.com/distforge/distforge/pkg/executor"
)

// fetchHandler resolves the fetch stage: clone or update the component
// source under signature verification, then download and verify the
// external files its manifest declares. The manifest is only readable
// once sources exist, so on a first-ever fetch the scheduler resolves
// this handler again after the clone to pick up file downloads.
type fetchHandler struct{}

func (fetchHandler) Resolve(_ context.Context, req *Request) (*Recipe, error) {
	c := req.Component
	if c == nil {
		return nil, fmt.Errorf("fetch: request carries no component")
	}
	if c.URL == "" {
		return nil, fmt.Errorf("fetch: component %s has no source url", c.Name)
	}

	r := &Recipe{
		Env:         optionsEnv(req.Options),
		Fingerprint: []string{EntryFetch, c.Name, c.URL, c.Branch},
		OutputsDir:  req.Layout.ComponentDistfiles(c.Name),
		EnsureDirs:  []string{req.Layout.Sources, req.Layout.ComponentDistfiles(c.Name)},
	}

	plan, err := payloadCopyIn(req, "fetch")
	if err != nil {
		return nil, err
	}
	r.CopyIn = plan

	src := req.CageSourceDir()
	doFetch := true
	if c.Fetched() {
		if req.Options.SkipGitFetch {
			doFetch = false
		}
		r.copyIn(c.SourceDir, executor.PlaceholderBuilderDir)
	}

	if doFetch {
		r.run(
			"cd "+executor.PlaceholderBuilderDir,
			strings.Join(getSourcesCommand(c, src, req.Options.FetchVersionsOnly), " "),
		)
		r.copyOut(src, req.Layout.Sources)
	}

	existing := distfilesListing(req.Layout.ComponentDistfiles(c.Name))
	for _, file := range req.SourceSection.Files() {
		switch {
		case file.URL != "":
			if err := fileDownload(r, req, file, existing); err != nil {
				return nil, fmt.Errorf("fetch: component %s: %w", c.Name, err)
			}
		case file.GitURL != "":
			if err := gitArchiveDownload(r, req, file, existing); err != nil {
				return nil, fmt.Errorf("fetch: component %s: %w", c.Name, err)
			}
		default:
			return nil, fmt.Errorf("fetch: component %s: file entries need either url or git-url", c.Name)
		}
	}

	if modules := req.SourceSection.Modules(); len(modules) > 0 {
		if err := moduleArchives(r, req, modules); err != nil {
			return nil, fmt.Errorf("fetch: component %s: %w", c.Name, err)
		}
	}

	if len(r.Batches) == 0 {
		return &Recipe{NothingToDo: true}, nil
	}
	return r, nil
}

// getSourcesCommand builds the clone-or-update invocation. The script
// maintains its own keyring under the builder directory and trusts
// only the maintainer keys shipped with the fetch payload.
func getSourcesCommand(c *component.Component, src string, versionsOnly bool) []string {
	cmd := []string{
		executor.PlaceholderPluginsDir + "/fetch/scripts/get-and-verify-source.py",
		shellQuote(c.URL),
		src,
		cageKeyring,
		cageKeys,
		"--git-branch", shellQuote(c.Branch),
		"--minimum-distinct-maintainers", strconv.Itoa(minDistinctMaintainers),
	}
	for _, maintainer := range c.Maintainers {
		cmd = append(cmd, "--maintainer", shellQuote(maintainer))
	}
	if c.InsecureSkipChecking {
		cmd = append(cmd, "--insecure-skip-checking")
	} else if c.SignedCommitsSufficient {
		cmd = append(cmd, "--less-secure-signed-commits-sufficient")
	}
	if versionsOnly {
		cmd = append(cmd, "--fetch-versions-only")
	}
	return cmd
}

// minDistinctMaintainers is how many distinct maintainer signatures a
// source tag needs before the clone is accepted.
const minDistinctMaintainers = 1

// distfilesListing returns the names already present in a component's
// distfiles cache. A missing cache is an empty listing.
func distfilesListing(dir string) map[string]bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	listing := make(map[string]bool, len(entries))
	for _, entry := range entries {
		listing[entry.Name()] = true
	}
	return listing
}

// fileDownload appends the download-then-verify batch for one url
// file. The file is fetched under an untrusted name and only renamed
// once its checksum or detached signature verifies, so the copy-out of
// the final name fails when verification did not happen.
func fileDownload(r *Recipe, req *Request, file component.FileSpec, existing map[string]bool) error {
	fn := path.Base(file.URL)
	finalFn := archiveName(file.URL, file.Uncompress)
	if err := checkFilename(fn, ""); err != nil {
		return err
	}
	if err := checkFilename(finalFn, ""); err != nil {
		return err
	}
	if file.Sha256 == "" && file.Sha512 == "" && file.Signature == "" {
		return fmt.Errorf("no verification method for %s", finalFn)
	}
	if existing[finalFn] {
		return nil
	}

	src := req.CageSourceDir()
	download := []string{
		executor.PlaceholderPluginsDir + "/fetch/scripts/download-file",
		"--output-dir", src,
		"--file-name", fn,
		"--file-url", shellQuote(file.URL),
	}
	verify := []string{
		executor.PlaceholderPluginsDir + "/fetch/scripts/verify-file",
		"--output-dir", src,
		"--untrusted-file", src + "/" + UntrustedPrefix + finalFn,
	}
	switch {
	case file.Sha256 != "":
		verify = append(verify, "--checksum-cmd", "sha256sum", "--checksum-file", src+"/"+file.Sha256)
	case file.Sha512 != "":
		verify = append(verify, "--checksum-cmd", "sha512sum", "--checksum-file", src+"/"+file.Sha512)
	case file.Signature != "":
		signatureFn := path.Base(file.Signature)
		if err := checkFilename(signatureFn, ""); err != nil {
			return err
		}
		download = append(download, "--signature-url", shellQuote(file.Signature))
		verify = append(verify, "--untrusted-signature-file", src+"/"+UntrustedPrefix+signatureFn)
		r.copyOut(src+"/"+signatureFn, req.Layout.ComponentDistfiles(req.Component.Name))
		r.Outputs = append(r.Outputs, signatureFn)
	}
	for _, pubkey := range file.PubKeys {
		verify = append(verify, "--pubkey-file", src+"/"+pubkey)
	}
	if file.Uncompress {
		download = append(download, "--uncompress")
	}

	r.run(strings.Join(download, " "), strings.Join(verify, " "))
	r.copyOut(src+"/"+finalFn, req.Layout.ComponentDistfiles(req.Component.Name))
	r.Outputs = append(r.Outputs, finalFn)
	return nil
}

// gitArchiveDownload appends the batch archiving an external git tree
// pinned to a branch or tag. Trust comes from the pubkeys the
// component ships, imported into a scratch keyring.
func gitArchiveDownload(r *Recipe, req *Request, file component.FileSpec, existing map[string]bool) error {
	archive, err := distfileName(file)
	if err != nil {
		return err
	}
	repoBn := strings.TrimSuffix(path.Base(file.GitURL), ".git")
	if err := checkFilename(archive, ".tar.gz"); err != nil {
		return err
	}
	if existing[archive] {
		return nil
	}

	src := req.CageSourceDir()
	cloneDir := executor.PlaceholderBuilderDir + "/" + repoBn
	clone := []string{
		executor.PlaceholderPluginsDir + "/fetch/scripts/get-and-verify-source.py",
		"--shallow-clone",
		"--trust-all-keys",
		shellQuote(file.GitURL),
		cloneDir,
		cageKeyring,
		executor.PlaceholderBuilderDir + "/keys",
		"--git-branch", shellQuote(file.GitBranch),
	}
	cmd := []string{"cd " + executor.PlaceholderBuilderDir}
	for _, pubkey := range file.PubKeys {
		cmd = append(cmd, fmt.Sprintf("mkdir -p %s/keys && cp -- %s/%s %s/keys/", executor.PlaceholderBuilderDir, src, pubkey, executor.PlaceholderBuilderDir))
	}
	cmd = append(cmd,
		strings.Join(clone, " "),
		fmt.Sprintf("%s/fetch/scripts/create-archive %s %s %s/", executor.PlaceholderPluginsDir, cloneDir, archive, repoBn),
	)
	r.run(cmd...)
	r.copyOut(cloneDir+"/"+archive, req.Layout.ComponentDistfiles(req.Component.Name))
	r.Outputs = append(r.Outputs, archive)
	return nil
}

// moduleArchives appends the batch that snapshots each git submodule
// into a tarball named after its commit. Names are computed in the
// cage, so the whole modules directory is collected and listed
// afterwards.
func moduleArchives(r *Recipe, req *Request, modules []string) error {
	src := req.CageSourceDir()
	cmd := []string{"mkdir -p " + executor.PlaceholderBuildDir + "/modules"}
	for _, module := range modules {
		if err := checkFilename(module, ""); err != nil {
			return fmt.Errorf("module %w", err)
		}
		moduleDir := src + "/" + module
		cmd = append(cmd, fmt.Sprintf(
			`h=$(git -C %[1]s rev-parse HEAD) && %[2]s/fetch/scripts/create-archive %[1]s "%[3]s-${h:0:16}.tar.gz" %[3]s/ && mv -- "%[1]s/%[3]s-${h:0:16}.tar.gz" %[4]s/modules/`,
			moduleDir, executor.PlaceholderPluginsDir, module, executor.PlaceholderBuildDir,
		))
	}
	r.run(cmd...)
	r.copyOut(executor.PlaceholderBuildDir+"/modules", req.Layout.ComponentDistfiles(req.Component.Name))
	r.Outputs = append(r.Outputs, "modules/")
	return nil
}
