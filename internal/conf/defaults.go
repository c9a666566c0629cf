package conf

import (
	"github.com/spf13/viper"

	"github.com/sensorable/satdet"
	"github.com/sensorable/satdet/internal/dashboard"
	"github.com/sensorable/satdet/internal/detector"
	"github.com/sensorable/satdet/internal/trainer"
)

// setDefaults registers a default for every key, which also makes every key overridable from
// the environment.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("classes", "")

	v.SetDefault("dataset.geojson", "xView_train.geojson")
	v.SetDefault("dataset.images", "train_images")
	v.SetDefault("dataset.labels", "labels")
	v.SetDefault("dataset.root", "dataset")
	v.SetDefault("dataset.config", "")
	v.SetDefault("dataset.ratios", "80,15,5")
	v.SetDefault("dataset.seed", satdet.DefaultSeed)
	v.SetDefault("dataset.mode", string(satdet.PlaceCopy))
	v.SetDefault("dataset.min_bbox", 0.0)
	v.SetDefault("dataset.validate", true)

	ao := satdet.DefaultAugmentOptions()
	v.SetDefault("augment.images", "augmented/images")
	v.SetDefault("augment.labels", "augmented/labels")
	v.SetDefault("augment.copies", ao.Copies)
	v.SetDefault("augment.brightness", ao.Brightness)
	v.SetDefault("augment.contrast", ao.Contrast)
	v.SetDefault("augment.noise", ao.Noise)
	v.SetDefault("augment.seed", ao.Seed)
	v.SetDefault("augment.jpeg_quality", ao.JPEGQuality)

	v.SetDefault("tfrecord.output", "xview.tfrecord")
	v.SetDefault("tfrecord.label_map", "label_map.pbtxt")
	v.SetDefault("tfrecord.shards", 1)

	hp := trainer.DefaultHyperparameters()
	v.SetDefault("train.executable", trainer.DefaultExecutable)
	v.SetDefault("train.model", hp.Model)
	v.SetDefault("train.pretrained", hp.Pretrained)
	v.SetDefault("train.epochs", hp.Epochs)
	v.SetDefault("train.imgsz", hp.ImgSize)
	v.SetDefault("train.batch", hp.Batch)
	v.SetDefault("train.device", hp.Device)
	v.SetDefault("train.workers", hp.Workers)
	v.SetDefault("train.project", hp.Project)
	v.SetDefault("train.name", hp.Name)
	v.SetDefault("train.patience", hp.Patience)
	v.SetDefault("train.save_period", hp.SavePeriod)
	v.SetDefault("train.resume", hp.Resume)
	v.SetDefault("train.exist_ok", hp.ExistOK)
	v.SetDefault("train.optimizer", hp.Optimizer)
	v.SetDefault("train.lr0", hp.LR0)
	v.SetDefault("train.lrf", hp.LRF)
	v.SetDefault("train.momentum", hp.Momentum)
	v.SetDefault("train.weight_decay", hp.WeightDecay)
	v.SetDefault("train.warmup_epochs", hp.WarmupEpochs)
	v.SetDefault("train.warmup_momentum", hp.WarmupMomentum)
	v.SetDefault("train.box", hp.Box)
	v.SetDefault("train.cls", hp.Cls)
	v.SetDefault("train.dfl", hp.DFL)
	v.SetDefault("train.hsv_h", hp.HSVH)
	v.SetDefault("train.hsv_s", hp.HSVS)
	v.SetDefault("train.hsv_v", hp.HSVV)
	v.SetDefault("train.degrees", hp.Degrees)
	v.SetDefault("train.translate", hp.Translate)
	v.SetDefault("train.scale", hp.Scale)
	v.SetDefault("train.shear", hp.Shear)
	v.SetDefault("train.perspective", hp.Perspective)
	v.SetDefault("train.flipud", hp.FlipUD)
	v.SetDefault("train.fliplr", hp.FlipLR)
	v.SetDefault("train.mosaic", hp.Mosaic)
	v.SetDefault("train.mixup", hp.Mixup)
	v.SetDefault("train.copy_paste", hp.CopyPaste)

	eo := trainer.DefaultEvalOptions()
	v.SetDefault("eval.weights", "")
	v.SetDefault("eval.conf", eo.Conf)
	v.SetDefault("eval.iou", eo.IoU)
	v.SetDefault("eval.imgsz", eo.ImgSize)
	v.SetDefault("eval.batch", eo.Batch)
	v.SetDefault("eval.split", string(eo.Split))
	v.SetDefault("eval.device", eo.Device)

	xo := trainer.DefaultExportOptions()
	v.SetDefault("export.weights", "")
	v.SetDefault("export.format", xo.Format)
	v.SetDefault("export.imgsz", xo.ImgSize)
	v.SetDefault("export.simplify", xo.Simplify)
	v.SetDefault("export.half", xo.Half)
	v.SetDefault("export.dynamic", xo.Dynamic)

	v.SetDefault("dashboard.addr", ":8501")
	v.SetDefault("dashboard.model", "")
	v.SetDefault("dashboard.ort_library", "")
	v.SetDefault("dashboard.imgsz", detector.DefaultInputSize)
	v.SetDefault("dashboard.conf", detector.DefaultConf)
	v.SetDefault("dashboard.iou", detector.DefaultIoU)
	v.SetDefault("dashboard.threads", 0)
	v.SetDefault("dashboard.body_limit", "32M")
	v.SetDefault("dashboard.max_pixels", dashboard.DefaultMaxPixels)
}
