package telegram

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/beevik/etree"
)

// DefaultLanguageID selects English (GB), the catalog that ships with every installation.
const DefaultLanguageID = 1

// errorTextFiles maps the controller's language ids to error text catalogs.
var errorTextFiles = map[int64]string{
	0:  "de",
	1:  "en_gb",
	2:  "fr",
	3:  "it",
	4:  "hu",
	5:  "es",
	6:  "sv",
	7:  "da",
	8:  "en_us",
	9:  "nl",
	10: "pt",
	11: "pl",
	12: "ru",
	13: "el",
	14: "zh",
	15: "cs",
	16: "ko",
	17: "tr",
	18: "hr",
	19: "fi",
	21: "ja",
	22: "sk",
	23: "ro",
	24: "vi",
	25: "ar",
	26: "th",
	27: "sl",
	28: "zh_tw",
	29: "he",
	30: "lt",
	31: "pt_br",
	32: "bg",
	33: "et",
	34: "lv",
	35: "no",
	36: "fa",
}

// ErrorTextFile returns the catalog file name for a language id and whether the id is known.
func ErrorTextFile(languageID int64) (string, bool) {
	suffix, ok := errorTextFiles[languageID]
	if !ok {
		suffix = errorTextFiles[DefaultLanguageID]
	}
	return "MessagesAndLocations_" + suffix + ".xml", ok
}

// loadErrorText reads the catalog for languageID from dir, falling back to the default language.
func (e *Env) loadErrorText(languageID int64) (*etree.Element, error) {
	dir := e.opts.ErrorTextDir
	if dir == "" {
		return nil, fmt.Errorf("no error text directory configured")
	}
	name, ok := ErrorTextFile(languageID)
	if !ok {
		e.logFn("language id %d has no error text catalog, using %s", languageID, name)
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		def, _ := ErrorTextFile(DefaultLanguageID)
		e.logFn("%s not found, using %s", name, def)
		path = filepath.Join(dir, def)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		return nil, fmt.Errorf("error text catalog: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("error text catalog %s is empty", path)
	}
	return root.Copy(), nil
}

func (e *Env) buildMachineErrorText(r *Request) error {
	lang := int64(DefaultLanguageID)
	if v, ok := e.value(r.Tag("messagesAndLocations.languageId")); ok {
		if n, ok := toInt(v); ok {
			lang = n
		}
	}
	catalog, err := e.loadErrorText(lang)
	if err != nil {
		return err
	}
	r.Root().AddChild(catalog)
	return nil
}
