package model

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
)

// SaveModel は値をgobでファイルに保存する
//
// 使用例:
//
//	err := model.SaveModel(weights, "backbone.gob")
func SaveModel(v interface{}, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := SaveModelToWriter(v, file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// LoadModel はgobファイルから値を読み込む
func LoadModel(v interface{}, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()
	return LoadModelFromReader(v, file)
}

// SaveModelToWriter は値をio.Writerにgobで書き出す
func SaveModelToWriter(v interface{}, w io.Writer) error {
	if err := gob.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	return nil
}

// LoadModelFromReader はio.Readerからgobで読み込む
func LoadModelFromReader(v interface{}, r io.Reader) error {
	if err := gob.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("failed to decode model: %w", err)
	}
	return nil
}
