// Command caman manages a certificate authority store: initialize a root
// or intermediate CA, register subjects, issue and renew host and client
// certificates, revoke them, and regenerate the CRL. It is a thin front
// end: argument parsing, passphrase prompting and dispatch live here, the
// workflows live in pkg/caman.
package main

import (
	"bytes"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/logger"
	"github.com/spf13/afero"
	"github.com/urfave/cli"
	"golang.org/x/term"

	"github.com/machalekj/caman/pkg/caman"
	"github.com/machalekj/caman/pkg/config"
	"github.com/machalekj/caman/pkg/engine"
	"github.com/machalekj/caman/pkg/ledger"
	"github.com/machalekj/caman/pkg/serial"
)

var fs = afero.NewOsFs()

func openCA(c *cli.Context) (*caman.CA, error) {
	ca, err := caman.Open(fs, c.GlobalString("root"))
	if err != nil {
		return nil, err
	}
	if err := unlockIfNeeded(ca); err != nil {
		return nil, err
	}
	return ca, nil
}

// unlockIfNeeded prompts for the signing-key passphrase when the stored
// key is encrypted. The secret lives in memory for this invocation only.
func unlockIfNeeded(ca *caman.CA) error {
	raw, err := ca.Store.ReadKey()
	if err != nil {
		// Not initialized yet; nothing to unlock.
		return nil
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "ENCRYPTED PRIVATE KEY" {
		return nil
	}
	secret, err := promptSecret("CA key passphrase: ", false)
	if err != nil {
		return err
	}
	ca.Unlock(secret)
	return nil
}

func promptSecret(prompt string, confirm bool) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	if confirm {
		fmt.Fprint(os.Stderr, "again: ")
		check, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("read passphrase: %w", err)
		}
		if !bytes.Equal(secret, check) {
			return nil, fmt.Errorf("passphrases do not match")
		}
	}
	return secret, nil
}

func initCA(c *cli.Context) error {
	root := c.GlobalString("root")

	// An existing rendered configuration wins; flags only render a new
	// one for a fresh store.
	if ok, err := afero.Exists(fs, filepath.Join(root, config.CAFileName)); err != nil {
		return err
	} else if !ok {
		cfg := &config.CA{
			Kind:      config.KindRoot,
			KeySize:   c.Int("key-size"),
			ValidDays: c.Int("expire"),
			CRLDays:   c.Int("crl-expire"),
			Subject:   subjectFromFlags(c, c.String("cn")),
		}
		if parent := c.String("parent"); parent != "" {
			cfg.Kind = config.KindIntermediate
			cfg.Parent = parent
		}
		if cfg.Subject.CommonName == "" {
			return fmt.Errorf("a fresh ca needs --cn (or a rendered %v)", config.CAFileName)
		}
		if err := fs.MkdirAll(root, 0755); err != nil {
			return err
		}
		if err := config.SaveCA(fs, root, cfg); err != nil {
			return err
		}
	}

	ca, err := caman.Open(fs, root)
	if err != nil {
		return err
	}
	if c.Bool("encrypt-key") {
		secret, err := promptSecret("new CA key passphrase: ", true)
		if err != nil {
			return err
		}
		ca.Unlock(secret)
	}

	var parent *caman.CA
	if ca.Config.Kind == config.KindIntermediate {
		if parent, err = caman.Open(fs, ca.Config.Parent); err != nil {
			return err
		}
		if err := unlockIfNeeded(parent); err != nil {
			return err
		}
	}
	if err := ca.Init(parent); err != nil {
		return err
	}
	logger.Infof("initialized %v ca %q at %v", ca.Config.Kind, ca.CommonName(), root)
	return nil
}

func register(c *cli.Context) error {
	if !c.Args().Present() {
		return cli.ShowSubcommandHelp(c)
	}
	subject := c.Args().First()

	ca, err := openCA(c)
	if err != nil {
		return err
	}
	hostCfg := &config.Host{
		ValidDays: c.Int("expire"),
		KeySize:   c.Int("key-size"),
		Subject:   subjectFromFlags(c, subject),
		AltNames: config.AltNames{
			DNS:    c.StringSlice("dns"),
			IPs:    c.StringSlice("ip"),
			Emails: c.StringSlice("email"),
		},
	}
	if err := ca.Register(subject, hostCfg); err != nil {
		return err
	}
	logger.Infof("registered subject %v", subject)
	return nil
}

func issue(profile engine.Profile) cli.ActionFunc {
	return func(c *cli.Context) error {
		if !c.Args().Present() {
			return cli.ShowSubcommandHelp(c)
		}
		subject := c.Args().First()

		ca, err := openCA(c)
		if err != nil {
			return err
		}
		issued, err := ca.Issue(subject, profile)
		if err != nil {
			return err
		}
		logger.Infof("issued %v certificate for %v (serial %v) in %v",
			profile, subject, issued.Serial, issued.Dir)
		return nil
	}
}

func renew(profile engine.Profile) cli.ActionFunc {
	return func(c *cli.Context) error {
		if !c.Args().Present() {
			return cli.ShowSubcommandHelp(c)
		}
		subject := c.Args().First()

		ca, err := openCA(c)
		if err != nil {
			return err
		}
		issued, err := ca.Renew(subject, profile)
		if err != nil {
			return err
		}
		logger.Infof("renewed %v certificate for %v (serial %v) in %v",
			profile, subject, issued.Serial, issued.Dir)
		return nil
	}
}

func revoke(c *cli.Context) error {
	if !c.Args().Present() {
		return cli.ShowSubcommandHelp(c)
	}
	target := c.Args().First()

	ca, err := openCA(c)
	if err != nil {
		return err
	}
	if err := ca.Revoke(target); err != nil {
		return err
	}
	logger.Infof("revoked %v", target)
	return nil
}

func gencrl(c *cli.Context) error {
	ca, err := openCA(c)
	if err != nil {
		return err
	}
	return ca.RegenerateCRL()
}

func status(c *cli.Context) error {
	ca, err := caman.Open(fs, c.GlobalString("root"))
	if err != nil {
		return err
	}
	state, err := ca.State()
	if err != nil {
		return err
	}
	fmt.Printf("%v ca %q: %v\n", ca.Config.Kind, ca.CommonName(), state)
	if state != caman.Active {
		return nil
	}

	entries, err := ca.Ledger.Entries()
	if err != nil {
		return err
	}
	for _, e := range entries {
		line := fmt.Sprintf("%v\t%v\texpires %v\t%v", e.Status, serial.Format(e.Serial),
			e.Expiry.Format("2006-01-02"), e.Subject)
		if e.Status == ledger.Revoked {
			line += fmt.Sprintf("\trevoked %v", e.RevokedAt.Format("2006-01-02"))
		}
		fmt.Println(line)
	}
	return nil
}

func subjectFromFlags(c *cli.Context, cn string) config.Subject {
	return config.Subject{
		CommonName:         cn,
		Organization:       c.String("organization"),
		OrganizationalUnit: c.String("organizational-unit"),
		Country:            c.String("country"),
		Province:           c.String("province"),
		Locality:           c.String("locality"),
	}
}

func subjectFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "organization", EnvVar: "CAMAN_ORGANIZATION"},
		cli.StringFlag{Name: "organizational-unit", EnvVar: "CAMAN_ORGANIZATIONAL_UNIT"},
		cli.StringFlag{Name: "locality", EnvVar: "CAMAN_LOCALITY"},
		cli.StringFlag{Name: "country", Usage: "country name, 2 letter code", EnvVar: "CAMAN_COUNTRY"},
		cli.StringFlag{Name: "province", Usage: "province/state", EnvVar: "CAMAN_PROVINCE"},
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "caman"
	app.Usage = "manage a certificate authority store"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "root",
			Value:  filepath.Join(os.Getenv("PWD"), "ca"),
			Usage:  "path to the ca store directory",
			EnvVar: "CAMAN_ROOT",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:        "init",
			Usage:       "init [--parent path/to/parent]",
			Description: "initialize the ca store as a root or intermediate ca",
			Action:      initCA,
			Flags: append(subjectFlags(),
				cli.StringFlag{Name: "cn", Usage: "ca common name"},
				cli.StringFlag{Name: "parent", Usage: "parent ca store (makes this an intermediate)"},
				cli.IntFlag{Name: "expire", Usage: "ca certificate validity in days", Value: 3650},
				cli.IntFlag{Name: "crl-expire", Usage: "crl validity in days", Value: 30},
				cli.IntFlag{Name: "key-size", Value: engine.DefaultKeySize},
				cli.BoolFlag{Name: "encrypt-key", Usage: "protect the ca key with a passphrase"},
			),
		},
		{
			Name:        "new",
			Usage:       "new SUBJECT [--dns ...] [--ip ...] [--email ...]",
			Description: "register a subject and render its configuration",
			Action:      register,
			Flags: append(subjectFlags(),
				cli.IntFlag{Name: "expire", Usage: "certificate validity in days", Value: 365},
				cli.IntFlag{Name: "key-size", Value: engine.DefaultKeySize},
				cli.StringSliceFlag{Name: "dns, d", Usage: "dns alt names"},
				cli.StringSliceFlag{Name: "ip, i", Usage: "ip alt names"},
				cli.StringSliceFlag{Name: "email, e", Usage: "email alt names"},
			),
		},
		{
			Name:        "sign",
			Usage:       "sign SUBJECT",
			Description: "issue a host certificate for a registered subject",
			Action:      issue(engine.ProfileHost),
		},
		{
			Name:        "renew",
			Usage:       "renew SUBJECT",
			Description: "revoke and re-issue a host certificate",
			Action:      renew(engine.ProfileHost),
		},
		{
			Name:        "client_sign",
			Usage:       "client_sign SUBJECT",
			Description: "issue a client certificate for a registered subject",
			Action:      issue(engine.ProfileClient),
		},
		{
			Name:        "client_renew",
			Usage:       "client_renew SUBJECT",
			Description: "revoke and re-issue a client certificate",
			Action:      renew(engine.ProfileClient),
		},
		{
			Name:        "revoke",
			Usage:       "revoke SUBJECT|path/to/intermediate",
			Description: "revoke a certificate and regenerate the crl",
			Action:      revoke,
		},
		{
			Name:        "gencrl",
			Description: "regenerate the certificate revocation list",
			Action:      gencrl,
		},
		{
			Name:        "status",
			Description: "show ca state and the issued-certificate ledger",
			Action:      status,
		},
	}
	return app
}

func main() {
	lg := logger.Init("caman", true, false, io.Discard)
	defer lg.Close()

	if err := newApp().Run(os.Args); err != nil {
		logger.Fatal(err)
	}
}
