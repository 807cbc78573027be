package plugins

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/distforge/distforge/pkg/dist"
	"github.com/distforge/distforge/pkg/executor"
	"github.com/distforge/distforge/pkg/stage"
)

// Publish repositories templates may target.
var templateRepositories = []string{"templates-itl-testing", "templates-community-testing", "templates-itl", "templates-community"}

// templateTimestampPrefix tags the prep marker output that carries the
// build timestamp to the later template stages.
const templateTimestampPrefix = "timestamp-"

// templateHandler drives the whole template pipeline. Prep qubeizes the
// root image inside a cage, build wraps it into the template package,
// and sign, publish and upload manage the package on the host like the
// component RPM pipeline does.
type templateHandler struct{}

func (h templateHandler) Resolve(ctx context.Context, req *Request) (*Recipe, error) {
	switch req.Stage {
	case stage.Prep:
		return h.prep(req)
	case stage.Build:
		return h.build(req)
	case stage.Sign:
		return h.sign(req)
	case stage.Publish:
		return h.publish(req)
	case stage.Upload:
		return h.upload(req)
	default:
		return nil, fmt.Errorf("template %s: no handler for stage %s", req.Template.Name, req.Stage)
	}
}

// templateEnv renders the environment the template Makefile honors.
func templateEnv(req *Request, timestamp string) map[string]string {
	t := req.Template
	env := baseEnv(req)
	env["TEMPLATE_NAME"] = t.Name
	env["TEMPLATE_VERSION"] = templateVersion(req.Options.Release)
	if t.Flavor != "" {
		env["TEMPLATE_FLAVOR"] = t.Flavor
	}
	if len(t.Options) > 0 {
		env["TEMPLATE_OPTIONS"] = strings.Join(t.Options, " ")
	}
	if timestamp != "" {
		env["TEMPLATE_TIMESTAMP"] = timestamp
	}
	if req.Options.TemplateRootSize != "" {
		env["TEMPLATE_ROOT_SIZE"] = req.Options.TemplateRootSize
	}
	if req.Options.TemplateRootWithPartitions {
		env["TEMPLATE_ROOT_WITH_PARTITIONS"] = "1"
	}
	return env
}

// templateVersion derives the template package version from the release
// name: "r4.3" publishes templates versioned "4.3.0".
func templateVersion(release string) string {
	return strings.TrimPrefix(release, "r") + ".0"
}

// templatePackageName is the template package file name for one build
// timestamp.
func templatePackageName(req *Request, timestamp string) string {
	return fmt.Sprintf("template-%s-%s-%s.noarch.rpm",
		req.Template.Name, templateVersion(req.Options.Release), timestamp)
}

// templateTimestamp resolves the build timestamp: the one the scheduler
// assigned at prep, or the one the prep marker recorded for the later
// stages.
func templateTimestamp(req *Request) (string, error) {
	if req.Options.Timestamp != "" {
		return req.Options.Timestamp, nil
	}
	for _, out := range req.PriorOutputs(stage.Prep) {
		if value, ok := strings.CutPrefix(out, templateTimestampPrefix); ok {
			return value, nil
		}
	}
	return "", fmt.Errorf("template %s: no build timestamp recorded; missing prep run?", req.Template.Name)
}

// templateFingerprint identifies one template stage invocation.
func templateFingerprint(req *Request, stageName string, extra ...string) []string {
	t := req.Template
	fields := []string{stageName, t.Name, t.Distribution.Raw, templateVersion(req.Options.Release), t.Flavor}
	fields = append(fields, t.Options...)
	return append(fields, extra...)
}

func (templateHandler) prep(req *Request) (*Recipe, error) {
	t := req.Template
	timestamp, err := templateTimestamp(req)
	if err != nil {
		return nil, err
	}

	templateDir := req.Layout.TemplateDir(t.Name)
	imageDir := req.Layout.QubeizedImageDir(t.Name)
	repoDir := req.Layout.DistRepository(t.Distribution)

	r := &Recipe{
		Env:         templateEnv(req, timestamp),
		Fingerprint: templateFingerprint(req, stage.Prep),
		OutputsDir:  req.Layout.Templates,
		CleanDirs:   []string{templateDir, imageDir},
		EnsureDirs:  []string{templateDir, imageDir, repoDir},
		Outputs:     []string{templateTimestampPrefix + timestamp},
	}

	plan, err := payloadCopyIn(req, templatePayloads(req)...)
	if err != nil {
		return nil, err
	}
	r.CopyIn = plan
	r.copyIn(repoDir, cageRepository)

	r.run(fmt.Sprintf("make -C %s/template prepare build-rootimg", executor.PlaceholderPluginsDir))

	cageImage := fmt.Sprintf("%s/qubeized_images/%s", executor.PlaceholderBuildDir, t.Name)
	r.copyOut(cageImage+"/root.img", imageDir)
	r.copyOut(executor.PlaceholderBuildDir+"/appmenus", templateDir)
	r.copyOut(executor.PlaceholderBuildDir+"/template.conf", templateDir)
	return r, nil
}

func (templateHandler) build(req *Request) (*Recipe, error) {
	t := req.Template
	timestamp, err := templateTimestamp(req)
	if err != nil {
		return nil, err
	}

	templateDir := req.Layout.TemplateDir(t.Name)
	imageDir := req.Layout.QubeizedImageDir(t.Name)
	rpmDir := req.Layout.TemplatesRPMDir()
	repoDir := req.Layout.DistRepository(t.Distribution)
	rpmFn := templatePackageName(req, timestamp)

	r := &Recipe{
		Env:         templateEnv(req, timestamp),
		Fingerprint: templateFingerprint(req, stage.Build, timestamp),
		OutputsDir:  rpmDir,
		EnsureDirs:  []string{rpmDir, repoDir},
		Outputs:     []string{rpmFn},
	}

	plan, err := payloadCopyIn(req, templatePayloads(req)...)
	if err != nil {
		return nil, err
	}
	r.CopyIn = plan
	r.copyIn(repoDir, cageRepository)
	r.copyIn(filepath.Join(imageDir, "root.img"),
		fmt.Sprintf("%s/qubeized_images/%s", executor.PlaceholderBuildDir, t.Name))
	r.copyIn(filepath.Join(templateDir, "template.conf"), executor.PlaceholderBuildDir)
	r.copyIn(filepath.Join(templateDir, "appmenus"), executor.PlaceholderBuildDir)

	r.run(fmt.Sprintf("make -C %s/template prepare build-rpm", executor.PlaceholderPluginsDir))

	r.copyOut(fmt.Sprintf("%s/rpmbuild/RPMS/noarch/%s", executor.PlaceholderBuildDir, rpmFn), rpmDir)
	return r, nil
}

func (templateHandler) sign(req *Request) (*Recipe, error) {
	if req.Options.SignKey == "" || req.Options.GPGClient == "" {
		return &Recipe{NothingToDo: true}, nil
	}
	timestamp, err := templateTimestamp(req)
	if err != nil {
		return nil, err
	}

	signKey := req.Options.SignKey
	gpg := req.Options.GPGClient
	dbPath := filepath.Join(req.Layout.Templates, "rpmdb")
	rpm := filepath.Join(req.Layout.TemplatesRPMDir(), templatePackageName(req, timestamp))
	keyAsc := filepath.Join(req.Layout.Tmp, signKey+".asc")

	signRPM, err := req.Payload("sign_rpm")
	if err != nil {
		return nil, err
	}

	r := &Recipe{
		Env:         optionsEnv(req.Options),
		Fingerprint: templateFingerprint(req, stage.Sign, timestamp, signKey),
		// The template rpmdb is recreated from scratch on every sign.
		CleanDirs:  []string{dbPath},
		EnsureDirs: []string{req.Layout.Tmp},
		LocalOnly:  true,
	}
	r.run(
		"mkdir -p "+dbPath,
		fmt.Sprintf("%s --armor --export %s > %s", gpg, signKey, keyAsc),
		fmt.Sprintf("rpmkeys --dbpath=%s --import %s", dbPath, keyAsc),
		"rm -f -- "+keyAsc,
		fmt.Sprintf("%s/scripts/sign-rpm --sign-key %s --db-path %s --rpm %s", signRPM, signKey, dbPath, rpm),
	)
	return r, nil
}

func (templateHandler) publish(req *Request) (*Recipe, error) {
	if req.Options.SignKey == "" || req.Options.GPGClient == "" {
		return &Recipe{NothingToDo: true}, nil
	}
	repository := req.Options.Repository
	if !validRepository(repository, templateRepositories) {
		return nil, fmt.Errorf("refusing to publish templates into %q", repository)
	}
	timestamp, err := templateTimestamp(req)
	if err != nil {
		return nil, err
	}

	signKey := req.Options.SignKey
	dbPath := filepath.Join(req.Layout.Templates, "rpmdb")
	rpmFn := templatePackageName(req, timestamp)
	rpm := filepath.Join(req.Layout.TemplatesRPMDir(), rpmFn)
	targetDir := filepath.Join(req.Layout.PublishRoot(dist.FamilyRPM, req.Options.Release), repository)
	rpmDir := filepath.Join(targetDir, "rpm")
	repomd := filepath.Join(targetDir, "repodata", "repomd.xml")

	signRPM, err := req.Payload("sign_rpm")
	if err != nil {
		return nil, err
	}

	r := &Recipe{
		Env:             optionsEnv(req.Options),
		Fingerprint:     templateFingerprint(req, stage.Publish, timestamp, repository, unpublishField(req)),
		EnsureDirs:      []string{rpmDir, filepath.Join(targetDir, "repodata")},
		SharedResources: []string{targetDir},
		LocalOnly:       true,
	}

	if req.Options.Unpublish {
		r.run("rm -f -- " + filepath.Join(rpmDir, rpmFn))
	} else {
		r.run(
			fmt.Sprintf("%s/scripts/sign-rpm --sign-key %s --db-path %s --rpm %s --check-only", signRPM, signKey, dbPath, rpm),
			fmt.Sprintf("ln -f -- %s %s/", rpm, rpmDir),
		)
	}
	r.run(
		"cd "+targetDir,
		"createrepo_c --update .",
		fmt.Sprintf("%s --batch --no-tty --yes --detach-sign --armor -u %s -o %s.asc %s",
			req.Options.GPGClient, signKey, repomd, repomd),
	)
	return r, nil
}

func (templateHandler) upload(req *Request) (*Recipe, error) {
	if req.Options.RemoteHost == "" {
		return &Recipe{NothingToDo: true}, nil
	}
	repository := req.Options.Repository
	if !validRepository(repository, templateRepositories) {
		return nil, fmt.Errorf("refusing to upload repository %q", repository)
	}

	localPath := filepath.Join(req.Layout.PublishRoot(dist.FamilyRPM, req.Options.Release), repository)

	r := &Recipe{
		Env:         optionsEnv(req.Options),
		Fingerprint: templateFingerprint(req, stage.Upload, repository, req.Options.RemoteHost),
		LocalOnly:   true,
	}
	r.run(fmt.Sprintf(
		"rsync --partial --progress --hard-links -air --mkpath -- %s/ %s/%s/",
		localPath, req.Options.RemoteHost, repository,
	))
	return r, nil
}

// templatePayloads lists the payload trees a template cage needs: the
// generic template payload plus whichever family-specific ones are
// installed.
func templatePayloads(req *Request) []string {
	names := []string{"template"}
	for _, optional := range []string{"template_rpm", "template_debian"} {
		if _, ok := req.Payloads[optional]; ok {
			names = append(names, optional)
		}
	}
	return names
}

// unpublishField tags unpublish invocations in fingerprints.
func unpublishField(req *Request) string {
	if req.Options.Unpublish {
		return "unpublish"
	}
	return "publish"
}
